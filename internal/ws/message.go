package ws

import (
	"github.com/chatrelay/internal/model"
)

type EventType string

const (
	// client -> server
	EventJoinChat    EventType = "join_chat"
	EventLeaveChat   EventType = "leave_chat"
	EventSendMessage EventType = "send_message"

	// server -> client
	EventMessageReceived EventType = "message_received"
	EventAck             EventType = "ack"
	EventError           EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	ChatID    string    `json:"chat_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// AckPayload confirms a client operation.
type AckPayload struct {
	RequestID string    `json:"request_id,omitempty"`
	Op        EventType `json:"op"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`
}

// ErrorPayload is sent only to the connection whose request failed.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func messageReceived(m *model.Message) OutgoingMessage {
	return OutgoingMessage{Type: EventMessageReceived, Payload: m}
}
