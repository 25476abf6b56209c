package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/ratelimit"
	"github.com/chatrelay/internal/repository"
	"github.com/chatrelay/internal/service"
)

type stubTokens map[string]string

func (s stubTokens) Authenticate(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type MockChats struct {
	mock.Mock
}

func (m *MockChats) CreatePrivateChat(ctx context.Context, callerID, target string) (*model.Chat, error) {
	args := m.Called(ctx, callerID, target)
	c, _ := args.Get(0).(*model.Chat)
	return c, args.Error(1)
}

func (m *MockChats) CreateGroupChat(ctx context.Context, callerID, name string, members []string) (*model.Chat, error) {
	args := m.Called(ctx, callerID, name, members)
	c, _ := args.Get(0).(*model.Chat)
	return c, args.Error(1)
}

func (m *MockChats) AddMember(ctx context.Context, callerID, chatID, userName string) error {
	return m.Called(ctx, callerID, chatID, userName).Error(0)
}

func (m *MockChats) RemoveMember(ctx context.Context, callerID, chatID, userName string) error {
	return m.Called(ctx, callerID, chatID, userName).Error(0)
}

func (m *MockChats) LeaveChat(ctx context.Context, callerID, chatID string) error {
	return m.Called(ctx, callerID, chatID).Error(0)
}

func (m *MockChats) GetChatUsers(ctx context.Context, callerID, chatID string) ([]model.ChatUser, error) {
	args := m.Called(ctx, callerID, chatID)
	u, _ := args.Get(0).([]model.ChatUser)
	return u, args.Error(1)
}

func (m *MockChats) ListChats(ctx context.Context, callerID string) ([]model.ChatSummary, error) {
	args := m.Called(ctx, callerID)
	c, _ := args.Get(0).([]model.ChatSummary)
	return c, args.Error(1)
}

type MockMessages struct {
	mock.Mock
}

func (m *MockMessages) SendMessage(ctx context.Context, senderID, chatID, content string) (*model.Message, error) {
	args := m.Called(ctx, senderID, chatID, content)
	msg, _ := args.Get(0).(*model.Message)
	return msg, args.Error(1)
}

func (m *MockMessages) GetMessages(ctx context.Context, userID, chatID string, pageNumber, pageSize int) (*model.Page[model.Message], error) {
	args := m.Called(ctx, userID, chatID, pageNumber, pageSize)
	p, _ := args.Get(0).(*model.Page[model.Message])
	return p, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishMessage(ctx context.Context, msg *model.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type stubUsers map[string]*model.User

func (s stubUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("userRepo.GetByID: %w", repository.ErrNotFound)
}

type fixture struct {
	chats     *MockChats
	messages  *MockMessages
	publisher *MockPublisher
	router    http.Handler
}

func newFixture(t *testing.T, dev bool, rl *middleware.RateLimit) *fixture {
	t.Helper()
	f := &fixture{chats: &MockChats{}, messages: &MockMessages{}, publisher: &MockPublisher{}}
	cfg := config.Defaults()
	f.router = NewRouter(Routes{
		Auth:        stubTokens{"alice-token": "alice", "bob-token": "bob"},
		RateLimit:   rl,
		CORSOrigins: []string{"*"},
		Health:      NewHealthHandler(nil, nil),
		Config:      NewConfigHandler(cfg),
		Users:       NewUserHandler(stubUsers{"alice": {ID: "alice", Username: "alice"}}),
		Chats:       NewChatHandler(f.chats, dev),
		Messages:    NewMessageHandler(f.messages, f.publisher, dev),
	})
	t.Cleanup(func() {
		f.chats.AssertExpectations(t)
		f.messages.AssertExpectations(t)
		f.publisher.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorDetail {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestRouter_RequiresToken(t *testing.T) {
	f := newFixture(t, false, nil)

	rec := f.do(http.MethodGet, "/api/chats", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/chats", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndConfigArePublic(t *testing.T) {
	f := newFixture(t, false, nil)

	rec := f.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	rec = f.do(http.MethodGet, "/api/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cc clientConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cc))
	assert.Equal(t, service.MaxContentLength, cc.MaxContentLength)
	require.NotNil(t, cc.SendMessage)
	assert.Equal(t, 20, cc.SendMessage.PermitLimit)
}

func TestGetProfile(t *testing.T) {
	f := newFixture(t, false, nil)

	rec := f.do(http.MethodGet, "/api/users/me", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var u model.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&u))
	assert.Equal(t, "alice", u.Username)

	rec = f.do(http.MethodGet, "/api/users/me", "bob-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListChats(t *testing.T) {
	f := newFixture(t, false, nil)
	f.chats.On("ListChats", mock.Anything, "alice").Return([]model.ChatSummary{{ID: "c1", IsGroup: true, Name: "team", MemberCount: 3}}, nil)

	rec := f.do(http.MethodGet, "/api/chats", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chats []model.ChatSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chats))
	require.Len(t, chats, 1)
	assert.Equal(t, "team", chats[0].Name)
}

func TestListChats_EmptyIsArray(t *testing.T) {
	f := newFixture(t, false, nil)
	f.chats.On("ListChats", mock.Anything, "alice").Return(nil, nil)

	rec := f.do(http.MethodGet, "/api/chats", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreatePrivateChat(t *testing.T) {
	f := newFixture(t, false, nil)
	f.chats.On("CreatePrivateChat", mock.Anything, "alice", "bob").
		Return(&model.Chat{ID: "c1", ChatType: model.ChatTypeDirect}, nil)

	rec := f.do(http.MethodPost, "/api/chats/private", "alice-token", `{"target_user_name":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var chat model.Chat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chat))
	assert.Equal(t, "c1", chat.ID)
}

func TestCreateGroupChat(t *testing.T) {
	f := newFixture(t, false, nil)
	f.chats.On("CreateGroupChat", mock.Anything, "alice", "team", []string{"bob", "carol"}).
		Return(&model.Chat{ID: "g1", ChatType: model.ChatTypeGroup, Name: "team"}, nil)

	rec := f.do(http.MethodPost, "/api/chats/group", "alice-token", `{"name":"team","initial_member_user_names":["bob","carol"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePrivateChat_InvalidBody(t *testing.T) {
	f := newFixture(t, false, nil)

	rec := f.do(http.MethodPost, "/api/chats/private", "alice-token", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, service.CodeValidation, decodeErr(t, rec).Type)
}

func TestMembershipRoutes(t *testing.T) {
	f := newFixture(t, false, nil)
	f.chats.On("AddMember", mock.Anything, "alice", "g1", "carol").Return(nil)
	f.chats.On("RemoveMember", mock.Anything, "alice", "g1", "carol").Return(nil)
	f.chats.On("LeaveChat", mock.Anything, "alice", "g1").Return(nil)
	f.chats.On("GetChatUsers", mock.Anything, "alice", "g1").
		Return([]model.ChatUser{{ID: "alice", UserName: "alice", IsOwner: true, IsAdmin: true}}, nil)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/chats/g1/members", "alice-token", `{"user_name":"carol"}`).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/chats/g1/members/carol", "alice-token", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/chats/g1/leave", "alice-token", "").Code)

	rec := f.do(http.MethodGet, "/api/chats/g1/users", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var users []model.ChatUser
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	assert.True(t, users[0].IsOwner)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"validation", fmt.Errorf("%w: group name is required", service.ErrValidation), http.StatusBadRequest, service.CodeValidation},
		{"unauthorized", fmt.Errorf("%w: not a member of this chat", service.ErrUnauthorized), http.StatusForbidden, service.CodeUnauthorized},
		{"not found", fmt.Errorf("%w: chat g1", service.ErrNotFound), http.StatusNotFound, service.CodeNotFound},
		{"not allowed", fmt.Errorf("%w: direct chats have fixed members", service.ErrOperationNotAllowed), http.StatusConflict, service.CodeOperationNotAllowed},
		{"internal", errors.New("chatRepo.AddMember: connection reset"), http.StatusInternalServerError, service.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false, nil)
			f.chats.On("AddMember", mock.Anything, "alice", "g1", "carol").Return(tc.err)

			rec := f.do(http.MethodPost, "/api/chats/g1/members", "alice-token", `{"user_name":"carol"}`)
			assert.Equal(t, tc.status, rec.Code)
			detail := decodeErr(t, rec)
			assert.Equal(t, tc.typ, detail.Type)
			assert.Empty(t, detail.Details)
			if tc.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", detail.Message)
			}
		})
	}
}

func TestServiceError_DetailsInDevelopment(t *testing.T) {
	f := newFixture(t, true, nil)
	f.chats.On("LeaveChat", mock.Anything, "alice", "g1").Return(errors.New("chatRepo.CloseMembership: timeout"))

	rec := f.do(http.MethodPost, "/api/chats/g1/leave", "alice-token", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeErr(t, rec).Details, "timeout")
}

func TestGetMessages_Paging(t *testing.T) {
	f := newFixture(t, false, nil)
	page := &model.Page[model.Message]{Items: []model.Message{{ID: "m2"}, {ID: "m1"}}, PageNumber: 2, PageSize: 2, TotalCount: 6}
	f.messages.On("GetMessages", mock.Anything, "alice", "c1", 2, 2).Return(page, nil)
	f.messages.On("GetMessages", mock.Anything, "alice", "c1", 1, service.DefaultPageSize).Return(&model.Page[model.Message]{Items: []model.Message{}}, nil)

	rec := f.do(http.MethodGet, "/api/chats/c1/messages?page_number=2&page_size=2", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Page[model.Message]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 6, got.TotalCount)
	assert.Equal(t, "m2", got.Items[0].ID)

	rec = f.do(http.MethodGet, "/api/chats/c1/messages?pageNumber=2&pageSize=2", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/chats/c1/messages", "alice-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessage_PublishesAfterPersist(t *testing.T) {
	f := newFixture(t, false, nil)
	stored := &model.Message{ID: "m1", ChatID: "c1", SenderID: "alice", SenderName: "alice", Content: "hi", SentAt: time.Now().UTC()}
	f.messages.On("SendMessage", mock.Anything, "alice", "c1", "hi").Return(stored, nil)
	f.publisher.On("PublishMessage", mock.Anything, stored).Return(nil)

	rec := f.do(http.MethodPost, "/api/chats/c1/messages", "alice-token", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var got model.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "alice", got.SenderName)
}

func TestSendMessage_RateLimitedHasRetryAfter(t *testing.T) {
	f := newFixture(t, false, nil)
	f.messages.On("SendMessage", mock.Anything, "alice", "c1", "hi").
		Return(nil, &service.RateLimitError{Policy: "send_message", RetryAfter: 4 * time.Second})

	rec := f.do(http.MethodPost, "/api/chats/c1/messages", "alice-token", `{"content":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
	assert.Equal(t, service.CodeRateLimitExceeded, decodeErr(t, rec).Type)
	f.publisher.AssertNotCalled(t, "PublishMessage", mock.Anything, mock.Anything)
}

func TestRouter_PerUserRateLimit(t *testing.T) {
	perUser := ratelimit.NewFixedWindow(ratelimit.Policy{Name: "per_user_http", Limit: 1, Window: time.Minute})
	f := newFixture(t, false, middleware.NewRateLimit(nil, perUser))
	f.chats.On("ListChats", mock.Anything, mock.Anything).Return([]model.ChatSummary{}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/chats", "alice-token", "").Code)
	rec := f.do(http.MethodGet, "/api/chats", "alice-token", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different user is unaffected.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/chats", "bob-token", "").Code)
}

func TestMetricsIsInternalOnly(t *testing.T) {
	f := newFixture(t, false, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_ws_connections")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Forwarding headers from a peer that is not a trusted proxy change nothing.
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("X-Real-Ip", "127.0.0.1")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_GlobalLimitKeysOnPeerUnlessTrusted(t *testing.T) {
	global := ratelimit.NewFixedWindow(ratelimit.Policy{Name: "global_ip", Limit: 2, Window: time.Minute})
	trusted, err := middleware.ParseTrustedProxies("10.0.0.1")
	require.NoError(t, err)
	router := NewRouter(Routes{
		Auth:           stubTokens{},
		RateLimit:      middleware.NewRateLimit(global, nil),
		CORSOrigins:    []string{"*"},
		TrustedProxies: trusted,
		Config:         NewConfigHandler(config.Defaults()),
	})
	get := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// Rotating the header from one public socket does not reset the window.
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get("203.0.113.7:4000", fmt.Sprintf("198.51.100.%d", i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, get("203.0.113.7:4000", "198.51.100.99"))

	// Behind the trusted proxy each forwarded client has its own window.
	assert.Equal(t, http.StatusOK, get("10.0.0.1:4000", "198.51.100.1"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:4000", "198.51.100.2"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:4000", "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:4000", "198.51.100.1"))
}
