package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
)

// ChatOperations is satisfied by service.ChatService.
type ChatOperations interface {
	CreatePrivateChat(ctx context.Context, callerID, targetUserName string) (*model.Chat, error)
	CreateGroupChat(ctx context.Context, callerID, name string, memberUserNames []string) (*model.Chat, error)
	AddMember(ctx context.Context, callerID, chatID, userName string) error
	RemoveMember(ctx context.Context, callerID, chatID, userName string) error
	LeaveChat(ctx context.Context, callerID, chatID string) error
	GetChatUsers(ctx context.Context, callerID, chatID string) ([]model.ChatUser, error)
	ListChats(ctx context.Context, callerID string) ([]model.ChatSummary, error)
}

type ChatHandler struct {
	chats ChatOperations
	errs  errorWriter
}

func NewChatHandler(chats ChatOperations, dev bool) *ChatHandler {
	return &ChatHandler{chats: chats, errs: errorWriter{dev: dev}}
}

type CreatePrivateChatRequest struct {
	TargetUserName string `json:"target_user_name"`
}

type CreateGroupChatRequest struct {
	Name                   string   `json:"name"`
	InitialMemberUserNames []string `json:"initial_member_user_names"`
}

type AddMemberRequest struct {
	UserName string `json:"user_name"`
}

func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.ListChats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) CreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req CreatePrivateChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.chats.CreatePrivateChat(r.Context(), middleware.GetUserID(r.Context()), req.TargetUserName)
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.chats.CreateGroupChat(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.InitialMemberUserNames)
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.chats.AddMember(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), req.UserName)
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveMember closes another member's membership. Only chat admins may remove
// others and the owner cannot be removed; any member may remove themselves.
// This is stricter than letting every active member remove anyone.
func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.chats.RemoveMember(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), chi.URLParam(r, "userName"))
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.LeaveChat(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId")); err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) GetChatUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.chats.GetChatUsers(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		h.errs.writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []model.ChatUser{}
	}
	writeJSON(w, http.StatusOK, users)
}
