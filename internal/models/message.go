package models

import (
	"time"
	"unicode/utf8"
)

// MaxContentLength bounds a single message, counted in characters.
const MaxContentLength = 4000

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokensUsed     int64     `json:"tokens_used"`
	CreatedAt      time.Time `json:"created_at"`
}

// ContentTooLong reports whether content exceeds MaxContentLength.
func ContentTooLong(content string) bool {
	return utf8.RuneCountInString(content) > MaxContentLength
}
