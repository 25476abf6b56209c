package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/chatrelay/internal/model"
)

type MockChatStore struct {
	mock.Mock
}

func (m *MockChatStore) FindActiveMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	args := m.Called(ctx, chatID, userID)
	mem, _ := args.Get(0).(*model.ChatMember)
	return mem, args.Error(1)
}

func (m *MockChatStore) FindMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	args := m.Called(ctx, chatID, userID)
	mem, _ := args.Get(0).(*model.ChatMember)
	return mem, args.Error(1)
}

func (m *MockChatStore) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Chat)
	return c, args.Error(1)
}

func (m *MockChatStore) FindDirectChat(ctx context.Context, directKey string) (*model.Chat, error) {
	args := m.Called(ctx, directKey)
	c, _ := args.Get(0).(*model.Chat)
	return c, args.Error(1)
}

func (m *MockChatStore) CreateChat(ctx context.Context, c *model.Chat, members []model.ChatMember) (*model.Chat, error) {
	args := m.Called(ctx, c, members)
	out, _ := args.Get(0).(*model.Chat)
	return out, args.Error(1)
}

func (m *MockChatStore) AddMember(ctx context.Context, mem *model.ChatMember) error {
	return m.Called(ctx, mem).Error(0)
}

func (m *MockChatStore) CloseMembership(ctx context.Context, chatID, userID string, at time.Time) error {
	return m.Called(ctx, chatID, userID, at).Error(0)
}

func (m *MockChatStore) ListActiveMembers(ctx context.Context, chatID string) ([]model.ChatUser, error) {
	args := m.Called(ctx, chatID)
	users, _ := args.Get(0).([]model.ChatUser)
	return users, args.Error(1)
}

func (m *MockChatStore) ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	args := m.Called(ctx, userID)
	chats, _ := args.Get(0).([]model.ChatSummary)
	return chats, args.Error(1)
}

type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*model.User)
	return u, args.Error(1)
}

func (m *MockUserStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	args := m.Called(ctx, username)
	u, _ := args.Get(0).(*model.User)
	return u, args.Error(1)
}

func (m *MockUserStore) GetByUsernames(ctx context.Context, usernames []string) ([]model.User, error) {
	args := m.Called(ctx, usernames)
	users, _ := args.Get(0).([]model.User)
	return users, args.Error(1)
}

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) InsertMessage(ctx context.Context, msg *model.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *MockMessageStore) FindMessageWithSender(ctx context.Context, id string) (*model.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*model.Message)
	return msg, args.Error(1)
}

func (m *MockMessageStore) ListMessagesPage(ctx context.Context, chatID string, pageNumber, pageSize int) ([]model.Message, int, error) {
	args := m.Called(ctx, chatID, pageNumber, pageSize)
	msgs, _ := args.Get(0).([]model.Message)
	return msgs, args.Int(1), args.Error(2)
}

func activeMember(chatID, userID string) *model.ChatMember {
	return &model.ChatMember{ChatID: chatID, UserID: userID, JoinedAt: time.Now()}
}
