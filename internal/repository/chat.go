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

const previewMaxRunes = 100

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

const memberCols = `chat_id, user_id, is_owner, is_admin, joined_at, left_at`

func scanMember(s interface{ Scan(dest ...any) error }, m *model.ChatMember) error {
	return s.Scan(&m.ChatID, &m.UserID, &m.IsOwner, &m.IsAdmin, &m.JoinedAt, &m.LeftAt)
}

// FindActiveMembership returns the membership with left_at IS NULL or ErrNotFound.
func (r *ChatRepository) FindActiveMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.FindActiveMembership", time.Now())()
	m := &model.ChatMember{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberCols+` FROM chat_members
		 WHERE chat_id = $1 AND user_id = $2 AND left_at IS NULL`, chatID, userID)
	if err := scanMember(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.FindActiveMembership: %w", err)
	}
	return m, nil
}

// FindMembership returns the membership row whether active or closed.
func (r *ChatRepository) FindMembership(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.FindMembership", time.Now())()
	m := &model.ChatMember{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberCols+` FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err := scanMember(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.FindMembership: %w", err)
	}
	return m, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, name, created_by, created_at, direct_key FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.DirectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) FindDirectChat(ctx context.Context, directKey string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindDirectChat", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, name, created_by, created_at, direct_key FROM chats WHERE direct_key = $1`, directKey,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.DirectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindDirectChat: %w", err)
	}
	return c, nil
}

// CreateChat inserts the chat and its initial members in one transaction.
// A direct chat whose key already exists yields ErrAlreadyExists and nothing is written.
func (r *ChatRepository) CreateChat(ctx context.Context, c *model.Chat, members []model.ChatMember) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateChat", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChat begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, created_by, created_at, direct_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING`,
		c.ID, c.ChatType, c.Name, c.CreatedBy, c.CreatedAt, c.DirectKey,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChat insert chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyExists
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(
			`INSERT INTO chat_members (chat_id, user_id, is_owner, is_admin, joined_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.ID, m.UserID, m.IsOwner, m.IsAdmin, m.JoinedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChat insert members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateChat commit: %w", err)
	}
	return c, nil
}

// AddMember inserts a new active membership. An existing row (active or closed) is left untouched.
func (r *ChatRepository) AddMember(ctx context.Context, m *model.ChatMember) error {
	defer logger.DeferLogDuration("chat.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id, is_owner, is_admin, joined_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (chat_id, user_id) DO NOTHING`,
		m.ChatID, m.UserID, m.IsOwner, m.IsAdmin, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddMember: %w", err)
	}
	return nil
}

// CloseMembership soft-closes an active membership.
func (r *ChatRepository) CloseMembership(ctx context.Context, chatID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("chat.CloseMembership", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET left_at = $3 WHERE chat_id = $1 AND user_id = $2 AND left_at IS NULL`,
		chatID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.CloseMembership: %w", err)
	}
	return nil
}

// ListActiveMembers returns active members ordered by username.
func (r *ChatRepository) ListActiveMembers(ctx context.Context, chatID string) ([]model.ChatUser, error) {
	defer logger.DeferLogDuration("chat.ListActiveMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, cm.is_owner, cm.is_admin
		 FROM chat_members cm
		 JOIN users u ON u.id = cm.user_id
		 WHERE cm.chat_id = $1 AND cm.left_at IS NULL
		 ORDER BY u.username`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListActiveMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.ChatUser, 0, 8)
	for rows.Next() {
		var u model.ChatUser
		if err := rows.Scan(&u.ID, &u.UserName, &u.IsOwner, &u.IsAdmin); err != nil {
			return nil, fmt.Errorf("chatRepo.ListActiveMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListActiveMembers rows: %w", err)
	}
	return users, nil
}

// ListUserChats returns chats where userID is an active member, latest activity first.
// Direct chats are named after the other participant.
func (r *ChatRepository) ListUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("chat.ListUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.chat_type,
		        CASE WHEN c.chat_type = 'direct' THEN COALESCE((
		            SELECT u.username FROM chat_members om JOIN users u ON u.id = om.user_id
		            WHERE om.chat_id = c.id AND om.user_id <> $1 LIMIT 1), c.name)
		        ELSE c.name END,
		        lm.content, lm.sent_at,
		        (SELECT count(*) FROM chat_members am WHERE am.chat_id = c.id AND am.left_at IS NULL)::int
		 FROM chat_members cm
		 JOIN chats c ON c.id = cm.chat_id
		 LEFT JOIN LATERAL (
		     SELECT m.content, m.sent_at FROM messages m
		     WHERE m.chat_id = c.id AND NOT m.is_deleted
		     ORDER BY m.sent_at DESC LIMIT 1
		 ) lm ON true
		 WHERE cm.user_id = $1 AND cm.left_at IS NULL
		 ORDER BY COALESCE(lm.sent_at, c.created_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.ChatSummary, 0, 16)
	for rows.Next() {
		var (
			s        model.ChatSummary
			chatType model.ChatType
		)
		if err := rows.Scan(&s.ID, &chatType, &s.Name, &s.LastMessagePreview, &s.LastMessageAt, &s.MemberCount); err != nil {
			return nil, fmt.Errorf("chatRepo.ListUserChats scan: %w", err)
		}
		s.IsGroup = chatType == model.ChatTypeGroup
		if s.LastMessagePreview != nil {
			p := truncateRunes(*s.LastMessagePreview, previewMaxRunes)
			s.LastMessagePreview = &p
		}
		chats = append(chats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListUserChats rows: %w", err)
	}
	return chats, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
