package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/internal/logger"
)

const DefaultBusChannel = "chat:events"

type busEnvelope struct {
	ChatID  string          `json:"chat_id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus broadcasts events through Redis Pub/Sub so that every API
// instance delivers to its own connections. The publishing instance receives
// its own events through the same subscription.
type RedisBus struct {
	cli     *redis.Client
	channel string

	mu      sync.RWMutex
	deliver DeliverFunc
}

func NewRedisBus(cli *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	return &RedisBus{cli: cli, channel: channel}
}

func (b *RedisBus) Subscribe(deliver DeliverFunc) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

func (b *RedisBus) Publish(ctx context.Context, chatID string, msg OutgoingMessage) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("redis bus: marshal payload: %w", err)
	}
	data, err := json.Marshal(busEnvelope{ChatID: chatID, Type: msg.Type, Payload: payload})
	if err != nil {
		return fmt.Errorf("redis bus: marshal envelope: %w", err)
	}
	if err := b.cli.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis bus: publish: %w", err)
	}
	return nil
}

// Run listens on the channel until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.cli.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis bus: subscribe %s: %w", b.channel, err)
	}
	logger.Infof("redis bus: subscribed to %s", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(m.Payload)
		}
	}
}

func (b *RedisBus) handle(raw string) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Errorf("redis bus: unmarshal: %v", err)
		return
	}
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil || env.ChatID == "" {
		return
	}
	deliver(env.ChatID, OutgoingMessage{Type: env.Type, Payload: env.Payload})
}
