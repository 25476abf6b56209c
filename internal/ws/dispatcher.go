package ws

import (
	"context"
	"sync"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/model"
)

// DeliverFunc pushes an event to the connections currently joined to chatID.
type DeliverFunc func(chatID string, msg OutgoingMessage)

// Bus carries chat events from the publishing process to every process that
// may hold connections for the chat.
type Bus interface {
	Publish(ctx context.Context, chatID string, msg OutgoingMessage) error
	Subscribe(deliver DeliverFunc)
}

// LocalBus delivers in the publisher's goroutine. Used for a single instance.
type LocalBus struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Subscribe(deliver DeliverFunc) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *LocalBus) Publish(_ context.Context, chatID string, msg OutgoingMessage) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(chatID, msg)
	}
	return nil
}

// Dispatcher fans events out to room members. Each member is an independent
// non-blocking enqueue; a member whose queue is full is disconnected and the
// rest still receive the event. There are no retries or acknowledgements.
type Dispatcher struct {
	registry *Registry
	bus      Bus
}

func NewDispatcher(registry *Registry, bus Bus) *Dispatcher {
	if bus == nil {
		bus = NewLocalBus()
	}
	d := &Dispatcher{registry: registry, bus: bus}
	bus.Subscribe(func(chatID string, msg OutgoingMessage) { d.Deliver(chatID, msg) })
	return d
}

// Dispatch publishes msg for chatID. Call only after the event's data is persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, chatID string, msg OutgoingMessage) error {
	return d.bus.Publish(ctx, chatID, msg)
}

// PublishMessage announces a stored message to the chat's joined connections.
func (d *Dispatcher) PublishMessage(ctx context.Context, m *model.Message) error {
	return d.Dispatch(ctx, m.ChatID, messageReceived(m))
}

// Deliver enqueues msg to every connection joined to chatID at this moment
// and returns how many accepted it.
func (d *Dispatcher) Deliver(chatID string, msg OutgoingMessage) int {
	delivered := 0
	for _, c := range d.registry.MembersOf(chatID) {
		switch c.enqueue(msg) {
		case enqueued:
			delivered++
			metrics.EventsDispatched.Inc()
		case enqueueOverflow:
			metrics.EventsDropped.Inc()
			logger.Errorf("ws send buffer full, closing slow client user=%s conn=%s chat=%s", c.userID, c.id, chatID)
			c.Disconnect()
		case enqueueClosed:
		}
	}
	return delivered
}
