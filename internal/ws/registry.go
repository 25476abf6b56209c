package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/service"
)

// ErrConnectionClosed is returned by Join after the connection was torn down.
var ErrConnectionClosed = errors.New("connection closed")

// MembershipChecker is satisfied by service.MembershipGuard.
type MembershipChecker interface {
	IsActiveMember(ctx context.Context, chatID, userID string) (bool, error)
}

type room struct {
	mu      sync.RWMutex
	members map[*Client]struct{}
	// dead is set once the room has been unlinked from the registry; joiners
	// that still hold a pointer to it must look the room up again.
	dead bool
}

// Registry maps chat ids to the live connections joined to them. The map
// lock only guards room lookup; each room has its own lock, so joins and
// dispatches in unrelated chats never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	guard MembershipChecker
	subs  atomic.Int64
}

func NewRegistry(guard MembershipChecker) *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		guard: guard,
	}
}

func (r *Registry) lookup(chatID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[chatID]
}

func (r *Registry) getOrCreate(chatID string) *room {
	if rm := r.lookup(chatID); rm != nil {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[chatID]
	if !ok {
		rm = &room{members: make(map[*Client]struct{})}
		r.rooms[chatID] = rm
	}
	return rm
}

// Join subscribes c to chatID. The membership check runs before any lock is
// taken; joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, c *Client, chatID string) error {
	ok, err := r.guard.IsActiveMember(ctx, chatID, c.userID)
	if err != nil {
		return fmt.Errorf("join chat %s: %w", chatID, err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of chat %s", service.ErrUnauthorized, chatID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrConnectionClosed
	}
	if _, joined := c.rooms[chatID]; joined {
		return nil
	}
	for {
		rm := r.getOrCreate(chatID)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		rm.mu.Unlock()
		break
	}
	c.rooms[chatID] = struct{}{}
	r.subs.Add(1)
	metrics.RoomSubscriptions.Inc()
	return nil
}

// Leave unsubscribes c from chatID. Leaving a room that was never joined succeeds.
func (r *Registry) Leave(c *Client, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, joined := c.rooms[chatID]; !joined {
		return
	}
	delete(c.rooms, chatID)
	r.removeFromRoom(c, chatID)
}

// OnDisconnect removes c from every room and refuses later joins.
func (r *Registry) OnDisconnect(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	for chatID := range c.rooms {
		r.removeFromRoom(c, chatID)
	}
	c.rooms = make(map[string]struct{})
}

// removeFromRoom must be called with c.mu held.
func (r *Registry) removeFromRoom(c *Client, chatID string) {
	rm := r.lookup(chatID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	_, present := rm.members[c]
	delete(rm.members, c)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if present {
		r.subs.Add(-1)
		metrics.RoomSubscriptions.Dec()
	}
	if empty {
		r.retire(chatID, rm)
	}
}

// retire unlinks rm if it is still the registered room for chatID and still empty.
func (r *Registry) retire(chatID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[chatID] != rm {
		return
	}
	rm.mu.Lock()
	if len(rm.members) == 0 {
		rm.dead = true
		delete(r.rooms, chatID)
	}
	rm.mu.Unlock()
}

// MembersOf returns a snapshot of the connections joined to chatID.
func (r *Registry) MembersOf(chatID string) []*Client {
	rm := r.lookup(chatID)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

// Stats reports the number of live rooms and subscriptions.
func (r *Registry) Stats() (rooms int, subscriptions int64) {
	r.mu.RLock()
	rooms = len(r.rooms)
	r.mu.RUnlock()
	return rooms, r.subs.Load()
}
