package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBufSize    = 256

	// maxMessageSize fits a send_message frame whose content is MaxContentLength
	// runes of the widest UTF-8 encoding, plus the JSON envelope.
	maxMessageSize = service.MaxContentLength*utf8.UTFMax + 4096

	// Frames above MaxMessageSize are drained and answered with a validation
	// error; only frames above this multiple end the connection.
	hardReadLimitFactor = 16
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// SessionState is the lifecycle state of a connection.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueOverflow
)

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Disconnect -> Wait.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string
	state  atomic.Int32

	// mu guards rooms and detached. Lock order: Client.mu, then Registry, then room.
	mu       sync.Mutex
	rooms    map[string]struct{}
	detached bool

	// done is used as a non-blocking guard in enqueue.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel         context.CancelFunc
	once           sync.Once
	disconnectOnce sync.Once
	wg             sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	bufSize := hub.cfg.SendBufferSize
	if bufSize <= 0 {
		bufSize = sendBufSize
	}
	c := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan OutgoingMessage, bufSize),
		userID: userID,
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) State() SessionState {
	return SessionState(c.state.Load())
}

// Authenticate moves a connecting session to authenticated. The identity was
// verified before the upgrade; anything else is rejected.
func (c *Client) Authenticate() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
}

// Rooms returns the chat ids this connection is joined to.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Start launches readPump and writePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.Authenticate()
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Disconnect closes the connection, removes it from every room and
// unregisters it from the hub. Cleanup runs once whatever the cause.
func (c *Client) Disconnect() {
	c.disconnectOnce.Do(func() {
		c.Close()
		c.hub.registry.OnDisconnect(c)
		c.hub.Unregister(c)
	})
}

// enqueue never blocks: a full queue is reported as overflow.
func (c *Client) enqueue(msg OutgoingMessage) enqueueResult {
	select {
	case <-c.done:
		return enqueueClosed
	default:
	}
	select {
	case c.send <- msg:
		return enqueued
	case <-c.done:
		return enqueueClosed
	default:
		return enqueueOverflow
	}
}

// reply sends a direct response to this connection; a full queue disconnects it.
func (c *Client) reply(msg OutgoingMessage) {
	if c.enqueue(msg) == enqueueOverflow {
		logger.Errorf("ws send buffer full, closing slow client user=%s conn=%s", c.userID, c.id)
		c.Disconnect()
	}
}

func (c *Client) replyError(requestID string, err error) {
	code := service.Code(err)
	msg := err.Error()
	if code == service.CodeInternal {
		logger.Errorf("ws request failed user=%s conn=%s: %v", c.userID, c.id, err)
		msg = "internal error"
	}
	c.reply(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Code: code, Message: msg, RequestID: requestID}})
}

// readPump reads messages from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.Disconnect()

	limit := c.hub.cfg.MaxMessageSize
	c.conn.SetReadLimit(limit * hardReadLimitFactor)
	pong := c.hub.cfg.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pong)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pong))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, tooLarge, err := c.readFrame(limit)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		if tooLarge {
			c.replyError("", wrapValidation(fmt.Sprintf("message exceeds %d bytes", limit)))
			continue
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyError("", wrapValidation("malformed message"))
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// readFrame reads one frame, keeping at most limit bytes. A longer frame is
// consumed to its end so the stream stays aligned, and reported as tooLarge.
func (c *Client) readFrame(limit int64) (raw []byte, tooLarge bool, err error) {
	_, r, err := c.conn.NextReader()
	if err != nil {
		return nil, false, err
	}
	raw, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(raw)) <= limit {
		return raw, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.hub.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	wait := c.hub.cfg.WriteWait

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
