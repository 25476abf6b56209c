package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

// UserLookup is satisfied by repository.UserRepository.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type UserHandler struct {
	users UserLookup
}

func NewUserHandler(users UserLookup) *UserHandler {
	return &UserHandler{users: users}
}

// GetProfile returns the authenticated user.
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), middleware.GetUserID(r.Context()))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
