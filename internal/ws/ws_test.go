package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/model"
)

type stubGuard struct {
	mu      sync.Mutex
	members map[string]bool
	err     error
}

func newStubGuard(pairs ...string) *stubGuard {
	g := &stubGuard{members: make(map[string]bool)}
	for i := 0; i+1 < len(pairs); i += 2 {
		g.allow(pairs[i], pairs[i+1])
	}
	return g
}

func (g *stubGuard) allow(chatID, userID string) {
	g.mu.Lock()
	g.members[chatID+"/"+userID] = true
	g.mu.Unlock()
}

func (g *stubGuard) IsActiveMember(_ context.Context, chatID, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	return g.members[chatID+"/"+userID], nil
}

type stubSender struct {
	fn func(ctx context.Context, senderID, chatID, content string) (*model.Message, error)
}

func (s *stubSender) SendMessage(ctx context.Context, senderID, chatID, content string) (*model.Message, error) {
	if s.fn == nil {
		return nil, errors.New("not configured")
	}
	return s.fn(ctx, senderID, chatID, content)
}

type testEnv struct {
	hub        *Hub
	registry   *Registry
	dispatcher *Dispatcher
	guard      *stubGuard
	sender     *stubSender
}

// newTestEnv starts a hub whose Run loop stops with the test.
func newTestEnv(t *testing.T, cfg HubConfig, guard *stubGuard) *testEnv {
	t.Helper()
	if guard == nil {
		guard = newStubGuard()
	}
	reg := NewRegistry(guard)
	disp := NewDispatcher(reg, NewLocalBus())
	sender := &stubSender{}
	hub := NewHub(reg, disp, sender, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &testEnv{hub: hub, registry: reg, dispatcher: disp, guard: guard, sender: sender}
}

// connect registers a client without a network connection.
func (e *testEnv) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := NewClient(e.hub, nil, userID)
	require.True(t, c.Authenticate())
	e.hub.Register(c)
	require.Eventually(t, func() bool { return e.hub.hasClient(c) }, time.Second, 5*time.Millisecond)
	return c
}

func (h *Hub) hasClient(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c.userID][c]
	return ok
}

func recv(t *testing.T, c *Client) OutgoingMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message for user %s", c.userID)
		return OutgoingMessage{}
	}
}

func requireNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message for user %s: %+v", c.userID, msg)
	default:
	}
}
