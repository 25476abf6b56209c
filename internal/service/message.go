package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/ratelimit"
	"github.com/chatrelay/internal/repository"
)

const (
	MaxContentLength = 4000
	DefaultPageSize  = 50
	MaxPageSize      = 100
	// MaxPageNumber keeps (page-1)*size far from integer overflow.
	MaxPageNumber = 1_000_000
)

type MessageStore interface {
	InsertMessage(ctx context.Context, m *model.Message) (string, error)
	FindMessageWithSender(ctx context.Context, id string) (*model.Message, error)
	ListMessagesPage(ctx context.Context, chatID string, pageNumber, pageSize int) ([]model.Message, int, error)
}

// MessageService runs the send pipeline: validate, check membership, rate
// limit, persist, read back. Nothing is written unless all checks pass.
type MessageService struct {
	guard    *MembershipGuard
	messages MessageStore
	limiter  ratelimit.Limiter
	policy   string

	now   func() time.Time
	newID func() string
}

func NewMessageService(guard *MembershipGuard, messages MessageStore, limiter ratelimit.Limiter) *MessageService {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	return &MessageService{
		guard:    guard,
		messages: messages,
		limiter:  limiter,
		policy:   "send_message",
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func sendLimitKey(userID string) string {
	return "user:" + userID
}

// SendMessage persists content as a new message from senderID in chatID and
// returns the stored message with its sender name.
func (s *MessageService) SendMessage(ctx context.Context, senderID, chatID, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.SendMessage", time.Now())()

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MaxContentLength)
	}
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat_id is required", ErrValidation)
	}

	if _, err := s.guard.Require(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.limiter.TryAdmit(ctx, sendLimitKey(senderID), now)
	if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		metrics.RateLimited.WithLabelValues(s.policy).Inc()
		return nil, &RateLimitError{Policy: s.policy, RetryAfter: res.RetryAfter(now)}
	}
	if err != nil {
		return nil, fmt.Errorf("send message: rate limiter: %w", err)
	}

	msg := &model.Message{
		ID:       s.newID(),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
		SentAt:   s.now().UTC(),
	}
	id, err := s.messages.InsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	stored, err := s.messages.FindMessageWithSender(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && stored == nil) {
		logger.Errorf("send message: message %s persisted but not readable", id)
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("send message: read back: %w", err)
	}
	metrics.MessagesSent.Inc()
	return stored, nil
}

// GetMessages returns one page of chatID history, newest first.
// pageNumber < 1 means 1 and above MaxPageNumber is a validation error;
// pageSize < 1 means DefaultPageSize; it is capped at MaxPageSize.
func (s *MessageService) GetMessages(ctx context.Context, userID, chatID string, pageNumber, pageSize int) (*model.Page[model.Message], error) {
	defer logger.DeferLogDuration("message.GetMessages", time.Now())()
	if pageNumber < 1 {
		pageNumber = 1
	}
	if pageNumber > MaxPageNumber {
		return nil, fmt.Errorf("%w: page_number must not exceed %d", ErrValidation, MaxPageNumber)
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	if _, err := s.guard.Require(ctx, chatID, userID); err != nil {
		return nil, err
	}

	items, total, err := s.messages.ListMessagesPage(ctx, chatID, pageNumber, pageSize)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	if items == nil {
		items = []model.Message{}
	}
	return &model.Page[model.Message]{
		Items:      items,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		TotalCount: total,
	}, nil
}
