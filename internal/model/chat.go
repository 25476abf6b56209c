package model

import "time"

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

type Chat struct {
	ID        string    `json:"id"`
	ChatType  ChatType  `json:"chat_type"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	// DirectKey is set only for direct chats: the sorted pair of member ids.
	DirectKey *string `json:"-"`
}

func (c *Chat) IsGroup() bool { return c.ChatType == ChatTypeGroup }

// ChatMember is a membership row. LeftAt == nil means the membership is active.
type ChatMember struct {
	ChatID   string     `json:"chat_id"`
	UserID   string     `json:"user_id"`
	IsOwner  bool       `json:"is_owner"`
	IsAdmin  bool       `json:"is_admin"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

func (m *ChatMember) IsActive() bool { return m.LeftAt == nil }

// ChatSummary is one entry of the caller's chat list.
type ChatSummary struct {
	ID                 string     `json:"id"`
	IsGroup            bool       `json:"is_group"`
	Name               string     `json:"name"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	MemberCount        int        `json:"member_count"`
}

// ChatUser is an active member as returned by the member listing.
type ChatUser struct {
	ID       string `json:"id"`
	UserName string `json:"user_name"`
	IsOwner  bool   `json:"is_owner"`
	IsAdmin  bool   `json:"is_admin"`
}
