package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageSelect = `SELECT m.id, m.chat_id, m.sender_id, u.username, m.content, m.sent_at, m.is_deleted
	 FROM messages m
	 JOIN users u ON u.id = m.sender_id`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.SentAt, &m.IsDeleted)
}

func (r *MessageRepository) InsertMessage(ctx context.Context, m *model.Message) (string, error) {
	defer logger.DeferLogDuration("msg.InsertMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, sent_at, is_deleted)
		 VALUES ($1, $2, $3, $4, $5, false)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.SentAt,
	)
	if err != nil {
		return "", fmt.Errorf("msgRepo.InsertMessage: %w", err)
	}
	return m.ID, nil
}

// FindMessageWithSender reads a message joined with its sender's username.
func (r *MessageRepository) FindMessageWithSender(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.FindMessageWithSender", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.FindMessageWithSender: %w", err)
	}
	return m, nil
}

// ListMessagesPage returns one page of non-deleted messages, newest first, and the total count.
func (r *MessageRepository) ListMessagesPage(ctx context.Context, chatID string, pageNumber, pageSize int) ([]model.Message, int, error) {
	defer logger.DeferLogDuration("msg.ListMessagesPage", time.Now())()
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*)::int FROM messages WHERE chat_id = $1 AND NOT is_deleted`, chatID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("msgRepo.ListMessagesPage count: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		messageSelect+`
		 WHERE m.chat_id = $1 AND NOT m.is_deleted
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`, chatID, pageSize, (pageNumber-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("msgRepo.ListMessagesPage query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, pageSize)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, 0, fmt.Errorf("msgRepo.ListMessagesPage scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("msgRepo.ListMessagesPage rows: %w", err)
	}
	return messages, total, nil
}
