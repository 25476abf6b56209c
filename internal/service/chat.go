package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

const MaxChatNameLength = 200

type ChatStore interface {
	MembershipFinder
	FindMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error)
	GetByID(ctx context.Context, id string) (*model.Chat, error)
	FindDirectChat(ctx context.Context, directKey string) (*model.Chat, error)
	CreateChat(ctx context.Context, c *model.Chat, members []model.ChatMember) (*model.Chat, error)
	AddMember(ctx context.Context, m *model.ChatMember) error
	CloseMembership(ctx context.Context, chatID, userID string, at time.Time) error
	ListActiveMembers(ctx context.Context, chatID string) ([]model.ChatUser, error)
	ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByUsernames(ctx context.Context, usernames []string) ([]model.User, error)
}

// ChatService owns chat and membership rules shared by the HTTP handlers.
type ChatService struct {
	guard *MembershipGuard
	chats ChatStore
	users UserStore

	now   func() time.Time
	newID func() string
}

func NewChatService(guard *MembershipGuard, chats ChatStore, users UserStore) *ChatService {
	return &ChatService{
		guard: guard,
		chats: chats,
		users: users,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// DirectKey identifies the direct chat between two users regardless of order.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

func (s *ChatService) caller(ctx context.Context, callerID string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, callerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("load caller: %w", err)
	}
	return u, nil
}

func (s *ChatService) userByName(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: user_name is required", ErrValidation)
	}
	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// groupChat loads chatID and rejects direct chats.
func (s *ChatService) groupChat(ctx context.Context, chatID string) (*model.Chat, error) {
	c, err := s.chats.GetByID(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if !c.IsGroup() {
		return nil, fmt.Errorf("%w: direct chat membership cannot change", ErrOperationNotAllowed)
	}
	return c, nil
}

// CreatePrivateChat returns the direct chat between the caller and the target,
// creating it when none exists yet.
func (s *ChatService) CreatePrivateChat(ctx context.Context, callerID, targetUserName string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreatePrivateChat", time.Now())()
	if _, err := s.caller(ctx, callerID); err != nil {
		return nil, err
	}
	target, err := s.userByName(ctx, targetUserName)
	if err != nil {
		return nil, err
	}
	if target.ID == callerID {
		return nil, fmt.Errorf("%w: cannot create a private chat with yourself", ErrOperationNotAllowed)
	}

	key := DirectKey(callerID, target.ID)
	existing, err := s.chats.FindDirectChat(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find direct chat: %w", err)
	}

	now := s.now().UTC()
	chat := &model.Chat{
		ID:        s.newID(),
		ChatType:  model.ChatTypeDirect,
		CreatedBy: callerID,
		CreatedAt: now,
		DirectKey: &key,
	}
	members := []model.ChatMember{
		{ChatID: chat.ID, UserID: callerID, IsOwner: true, IsAdmin: true, JoinedAt: now},
		{ChatID: chat.ID, UserID: target.ID, JoinedAt: now},
	}
	created, err := s.chats.CreateChat(ctx, chat, members)
	if errors.Is(err, repository.ErrAlreadyExists) {
		// lost a concurrent create for the same pair
		existing, err := s.chats.FindDirectChat(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("find direct chat after conflict: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create private chat: %w", err)
	}
	logger.Infof("chat: direct chat %s created by %s", created.ID, callerID)
	return created, nil
}

// CreateGroupChat creates a group owned by the caller. Member names are
// deduplicated case-insensitively and unknown names are skipped.
func (s *ChatService) CreateGroupChat(ctx context.Context, callerID, name string, memberUserNames []string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateGroupChat", time.Now())()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxChatNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrValidation, MaxChatNameLength)
	}
	if _, err := s.caller(ctx, callerID); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(memberUserNames))
	names := make([]string, 0, len(memberUserNames))
	for _, n := range memberUserNames {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		k := strings.ToLower(n)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		names = append(names, n)
	}
	var users []model.User
	if len(names) > 0 {
		var err error
		users, err = s.users.GetByUsernames(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("resolve members: %w", err)
		}
	}

	now := s.now().UTC()
	chat := &model.Chat{
		ID:        s.newID(),
		ChatType:  model.ChatTypeGroup,
		Name:      name,
		CreatedBy: callerID,
		CreatedAt: now,
	}
	members := []model.ChatMember{{ChatID: chat.ID, UserID: callerID, IsOwner: true, IsAdmin: true, JoinedAt: now}}
	added := map[string]struct{}{callerID: {}}
	for _, u := range users {
		if _, ok := added[u.ID]; ok {
			continue
		}
		added[u.ID] = struct{}{}
		members = append(members, model.ChatMember{ChatID: chat.ID, UserID: u.ID, JoinedAt: now})
	}

	created, err := s.chats.CreateChat(ctx, chat, members)
	if err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}
	logger.Infof("chat: group %s created by %s with %d members", created.ID, callerID, len(members))
	return created, nil
}

// AddMember adds userName to a group chat. Adding an active member is a no-op;
// a user who left cannot be re-added.
func (s *ChatService) AddMember(ctx context.Context, callerID, chatID, userName string) error {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return err
	}
	if _, err := s.guard.Require(ctx, chatID, callerID); err != nil {
		return err
	}
	target, err := s.userByName(ctx, userName)
	if err != nil {
		return err
	}

	existing, err := s.chats.FindMembership(ctx, chatID, target.ID)
	switch {
	case err == nil && existing.IsActive():
		return nil
	case err == nil:
		return fmt.Errorf("%w: user %q left this chat", ErrOperationNotAllowed, target.Username)
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("add member: %w", err)
	}

	return s.chats.AddMember(ctx, &model.ChatMember{
		ChatID:   chatID,
		UserID:   target.ID,
		JoinedAt: s.now().UTC(),
	})
}

// RemoveMember closes the target's membership. Removing someone else requires
// admin rights and the owner cannot be removed by others. Removing a user
// without an active membership is a no-op.
func (s *ChatService) RemoveMember(ctx context.Context, callerID, chatID, userName string) error {
	defer logger.DeferLogDuration("chat.RemoveMember", time.Now())()
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return err
	}
	callerMembership, err := s.guard.Require(ctx, chatID, callerID)
	if err != nil {
		return err
	}
	target, err := s.userByName(ctx, userName)
	if err != nil {
		return err
	}
	self := target.ID == callerID
	if !self && !callerMembership.IsAdmin {
		return fmt.Errorf("%w: only admins can remove members", ErrUnauthorized)
	}

	membership, err := s.chats.FindActiveMembership(ctx, chatID, target.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if membership.IsOwner && !self {
		return fmt.Errorf("%w: the owner cannot be removed", ErrOperationNotAllowed)
	}
	if err := s.chats.CloseMembership(ctx, chatID, target.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// LeaveChat closes the caller's own membership in a group chat.
func (s *ChatService) LeaveChat(ctx context.Context, callerID, chatID string) error {
	defer logger.DeferLogDuration("chat.LeaveChat", time.Now())()
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return err
	}
	if _, err := s.guard.Require(ctx, chatID, callerID); err != nil {
		return err
	}
	if err := s.chats.CloseMembership(ctx, chatID, callerID, s.now().UTC()); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	return nil
}

// GetChatUsers lists active members ordered by username.
func (s *ChatService) GetChatUsers(ctx context.Context, callerID, chatID string) ([]model.ChatUser, error) {
	defer logger.DeferLogDuration("chat.GetChatUsers", time.Now())()
	if _, err := s.guard.Require(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	users, err := s.chats.ListActiveMembers(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat users: %w", err)
	}
	if users == nil {
		users = []model.ChatUser{}
	}
	return users, nil
}

// ListChats returns the caller's chats, latest activity first.
func (s *ChatService) ListChats(ctx context.Context, callerID string) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("chat.ListChats", time.Now())()
	chats, err := s.chats.ListUserChats(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	return chats, nil
}
