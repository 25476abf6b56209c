package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

type MembershipFinder interface {
	FindActiveMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error)
}

// MembershipGuard answers whether a user is an active member of a chat.
// Missing chats, missing users and closed memberships all read as "no".
type MembershipGuard struct {
	store MembershipFinder
}

func NewMembershipGuard(store MembershipFinder) *MembershipGuard {
	return &MembershipGuard{store: store}
}

// IsActiveMember returns an error only when the lookup itself failed.
func (g *MembershipGuard) IsActiveMember(ctx context.Context, chatID, userID string) (bool, error) {
	if chatID == "" || userID == "" {
		return false, nil
	}
	m, err := g.store.FindActiveMembership(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership guard: %w", err)
	}
	return m != nil && m.IsActive(), nil
}

// Require returns the active membership or ErrUnauthorized.
func (g *MembershipGuard) Require(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	if chatID == "" || userID == "" {
		return nil, fmt.Errorf("%w: not a member of this chat", ErrUnauthorized)
	}
	m, err := g.store.FindActiveMembership(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && (m == nil || !m.IsActive())) {
		return nil, fmt.Errorf("%w: not a member of this chat", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("membership guard: %w", err)
	}
	return m, nil
}
