package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when a record id does not exist.
var ErrNotFound = errors.New("record not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID        string    `json:"user_id"`
	Context   string    `json:"user_context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Document struct {
	ID         string    `json:"doc_id"`
	Content    string    `json:"document"`
	TokenCount int       `json:"num_tokens"` // derived from Content on every write
	CreatedAt  time.Time `json:"created_at"`
}

type Bot struct {
	ID           string    `json:"bot_id"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
}

// Turn is one message of a (bot, user) conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentStats summarizes the corpus.
type DocumentStats struct {
	Count       int `json:"num_docs"`
	TotalTokens int `json:"total_tokens"`
}
