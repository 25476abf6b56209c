package model

import "time"

type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_user_name"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
	IsDeleted  bool      `json:"-"`
}

// Page is one page of a newest-first listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	PageNumber int `json:"page_number"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
