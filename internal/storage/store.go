package storage

import (
	"context"
	"errors"
	"time"

	"companionchat/internal/models"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("record already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// CredentialStore owns user accounts and their credit balances.
type CredentialStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	// FindUserByLogin matches either the email or the username.
	FindUserByLogin(ctx context.Context, login string) (*models.User, error)
	// DebitCredits subtracts amount or fails with ErrInsufficientCredits, leaving the balance untouched.
	DebitCredits(ctx context.Context, userID, amount int64) (int64, error)
	CreditCredits(ctx context.Context, userID, amount int64) (int64, error)
	TouchLogin(ctx context.Context, userID int64, at time.Time) error
	UpdateProfile(ctx context.Context, userID int64, email, username string) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	DeactivateUser(ctx context.Context, userID int64) error
}

// ConversationStore owns conversations and their ordered messages.
type ConversationStore interface {
	// FindActiveConversation returns the user's active conversation with its messages.
	FindActiveConversation(ctx context.Context, userID int64) (*models.Conversation, error)
	CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error)
	AppendMessages(ctx context.Context, conversationID int64, msgs ...*models.Message) error
	GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error)
	// ListConversations pages through active conversations, most recently updated first.
	ListConversations(ctx context.Context, userID int64, page, limit int) ([]*models.Conversation, int, error)
	DeactivateConversation(ctx context.Context, userID, conversationID int64) error
	ConversationStats(ctx context.Context, userID int64) (*ConversationStats, error)
}

// TokenStore records issued auth tokens so they can be revoked.
type TokenStore interface {
	SaveToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	LookupToken(ctx context.Context, jti string) (int64, time.Time, error)
	DeleteToken(ctx context.Context, jti string) error
	DeleteUserTokens(ctx context.Context, userID int64) error
}

// Turn is one paid exchange to be committed atomically.
type Turn struct {
	UserID int64
	// ConversationID is zero when the conversation must be created.
	ConversationID int64
	Messages       []*models.Message
	Cost           int64
}

type TurnResult struct {
	ConversationID   int64
	RemainingCredits int64
}

// TurnCommitter persists a turn and debits its cost as one unit: either the
// messages are appended and the balance reduced, or nothing changes.
type TurnCommitter interface {
	CommitTurn(ctx context.Context, turn *Turn) (*TurnResult, error)
}

type ConversationStats struct {
	ActiveConversations int   `json:"totalChats"`
	TotalMessages       int   `json:"totalMessages"`
	TotalTokens         int64 `json:"totalTokens"`
}

// Store is the full persistence surface used by the service.
type Store interface {
	CredentialStore
	ConversationStore
	TokenStore
	TurnCommitter
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
