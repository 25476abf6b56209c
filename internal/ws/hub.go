package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/service"
)

// MessageSender is satisfied by service.MessageService.
type MessageSender interface {
	SendMessage(ctx context.Context, senderID, chatID, content string) (*model.Message, error)
}

type HubConfig struct {
	MaxConnections int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	RequestTimeout time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxConnections: 10000,
		SendBufferSize: sendBufSize,
		WriteWait:      writeWait,
		PongWait:       pongWait,
		MaxMessageSize: maxMessageSize,
		RequestTimeout: 5 * time.Second,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	// A smaller limit would reject valid multibyte messages.
	if c.MaxMessageSize < d.MaxMessageSize {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// pingPeriod must be shorter than PongWait.
func (c HubConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Hub owns the set of live connections and routes their requests.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	total   int

	registry   *Registry
	dispatcher *Dispatcher
	messages   MessageSender
	cfg        HubConfig

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(registry *Registry, dispatcher *Dispatcher, messages MessageSender, cfg HubConfig) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		registry:   registry,
		dispatcher: dispatcher,
		messages:   messages,
		cfg:        cfg.withDefaults(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Closing done first lets Register/Unregister return while clients are torn down.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	metrics.WSConnections.Sub(float64(h.total))
	h.total = 0
	h.mu.Unlock()

	// Clients still queued for registration never made it into the map.
drain:
	for {
		select {
		case c := <-h.register:
			c.Close()
		default:
			break drain
		}
	}

	for _, c := range allClients {
		c.Disconnect()
	}
	for _, c := range allClients {
		c.Wait()
	}
	logger.Infof("ws hub stopped, closed %d connections", len(allClients))
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	// A client that disconnected before reaching the loop has already sent its
	// Unregister; inserting it now would hold a slot forever.
	if c.State() == StateDisconnected {
		h.mu.Unlock()
		logger.Debugf("ws skipped closed client user=%s conn=%s", c.userID, c.id)
		return
	}
	if h.total >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	logger.Debugf("ws connected user=%s conn=%s", c.userID, c.id)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	// Network I/O outside the lock.
	c.Close()
	logger.Debugf("ws disconnected user=%s conn=%s", c.userID, c.id)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleMessage routes one client request. Failures are reported only to c.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	if c.State() != StateAuthenticated {
		c.replyError(msg.RequestID, fmt.Errorf("%w: session is not authenticated", service.ErrUnauthorized))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventJoinChat:
		err = h.handleJoin(ctx, c, msg)
	case EventLeaveChat:
		err = h.handleLeave(c, msg)
	case EventSendMessage:
		err = h.handleSend(ctx, c, msg)
	default:
		err = wrapValidation(fmt.Sprintf("unknown event type %q", msg.Type))
	}
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.replyError(msg.RequestID, err)
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) error {
	if msg.ChatID == "" {
		return wrapValidation("chat_id is required")
	}
	if err := h.registry.Join(ctx, c, msg.ChatID); err != nil {
		return err
	}
	c.reply(OutgoingMessage{Type: EventAck, Payload: AckPayload{RequestID: msg.RequestID, Op: EventJoinChat, ChatID: msg.ChatID}})
	return nil
}

func (h *Hub) handleLeave(c *Client, msg IncomingMessage) error {
	if msg.ChatID == "" {
		return wrapValidation("chat_id is required")
	}
	h.registry.Leave(c, msg.ChatID)
	c.reply(OutgoingMessage{Type: EventAck, Payload: AckPayload{RequestID: msg.RequestID, Op: EventLeaveChat, ChatID: msg.ChatID}})
	return nil
}

func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	m, err := h.messages.SendMessage(ctx, c.userID, msg.ChatID, msg.Content)
	if err != nil {
		return err
	}
	if err := h.dispatcher.PublishMessage(ctx, m); err != nil {
		// The message is stored; members will see it in history.
		logger.Errorf("ws dispatch chat=%s message=%s: %v", m.ChatID, m.ID, err)
	}
	c.reply(OutgoingMessage{Type: EventAck, Payload: AckPayload{RequestID: msg.RequestID, Op: EventSendMessage, ChatID: m.ChatID, MessageID: m.ID}})
	return nil
}

func wrapValidation(msg string) error {
	return fmt.Errorf("%w: %s", service.ErrValidation, msg)
}
