package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/service"
)

// MessageOperations is satisfied by service.MessageService.
type MessageOperations interface {
	SendMessage(ctx context.Context, senderID, chatID, content string) (*model.Message, error)
	GetMessages(ctx context.Context, userID, chatID string, pageNumber, pageSize int) (*model.Page[model.Message], error)
}

// MessagePublisher is satisfied by ws.Dispatcher.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, m *model.Message) error
}

type MessageHandler struct {
	messages  MessageOperations
	publisher MessagePublisher
	errs      errorWriter
}

func NewMessageHandler(messages MessageOperations, publisher MessagePublisher, dev bool) *MessageHandler {
	return &MessageHandler{messages: messages, publisher: publisher, errs: errorWriter{dev: dev}}
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// GetMessages accepts page_number/page_size (pageNumber/pageSize also work).
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	pageNumber := queryInt(r, 1, "page_number", "pageNumber")
	pageSize := queryInt(r, service.DefaultPageSize, "page_size", "pageSize")

	page, err := h.messages.GetMessages(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), pageNumber, pageSize)
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SendMessage runs the same pipeline as the websocket send_message request.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.messages.SendMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), req.Content)
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	if h.publisher != nil {
		if err := h.publisher.PublishMessage(r.Context(), m); err != nil {
			logger.Errorf("http dispatch chat=%s message=%s: %v", m.ChatID, m.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, m)
}
