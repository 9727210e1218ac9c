package models

import "time"

// Conversation groups the ordered messages exchanged by a user.
// At most one conversation per user is active at a time.
type Conversation struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	TotalTokens  int64      `json:"total_tokens"`
	IsActive     bool       `json:"is_active"`
	MessageCount int        `json:"message_count"`
	Messages     []*Message `json:"messages,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Append adds msgs in order and keeps the token counter in sync.
func (c *Conversation) Append(msgs ...*Message) {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		msg.ConversationID = c.ID
		msg.Seq = len(c.Messages) + 1
		c.Messages = append(c.Messages, msg)
		c.TotalTokens += msg.TokensUsed
	}
	c.MessageCount = len(c.Messages)
}
