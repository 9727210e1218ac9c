// Package broker turns a user's chat message into a paid assistant reply.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"companionchat/internal/apperr"
	"companionchat/internal/logger"
	"companionchat/internal/models"
	"companionchat/internal/service/guard"
	"companionchat/internal/service/provider"
	"companionchat/internal/storage"

	"github.com/sirupsen/logrus"
)

var log = logger.Component("broker")

// Config is fixed at construction; the broker reads no ambient state.
type Config struct {
	TokensPerMessage int64
	Provider         models.ProviderKind
}

// ReplyResult is what a sender sees after a turn.
type ReplyResult struct {
	ReplyText       string `json:"message"`
	TokensUsed      int64  `json:"tokensUsed"`
	TokensRemaining int64  `json:"tokensRemaining"`
	Moderated       bool   `json:"isModerated"`
	ConversationID  int64  `json:"conversationId,omitempty"`
}

// Estimate previews the cost of sending text.
type Estimate struct {
	FixedCost       int64 `json:"fixedCost"`
	EstimatedTokens int64 `json:"estimatedTokens"`
	TotalCost       int64 `json:"totalCost"`
	TokensAvailable int64 `json:"tokensAvailable"`
	Sufficient      bool  `json:"sufficient"`
}

type sendOptions struct {
	styleHint string
}

type SendOption func(*sendOptions)

// WithStyleHint passes the user's preferred tone to the provider.
func WithStyleHint(hint string) SendOption {
	return func(o *sendOptions) {
		o.styleHint = strings.TrimSpace(hint)
	}
}

// StyleHint returns the hint carried by opts, if any.
func StyleHint(opts ...SendOption) string {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.styleHint
}

type Broker struct {
	store    storage.Store
	adapters provider.Registry
	guard    *guard.Guard
	locker   Locker
	cfg      Config
}

func New(store storage.Store, adapters provider.Registry, g *guard.Guard, locker Locker, cfg Config) (*Broker, error) {
	if store == nil {
		return nil, errors.New("broker requires a store")
	}
	if _, err := adapters.Get(cfg.Provider); err != nil {
		return nil, err
	}
	if g == nil {
		g = guard.New(nil)
	}
	if locker == nil {
		locker = NewKeyedLocker()
	}
	if cfg.TokensPerMessage < 0 {
		return nil, errors.New("tokens per message cannot be negative")
	}
	return &Broker{store: store, adapters: adapters, guard: g, locker: locker, cfg: cfg}, nil
}

// Provider reports the active provider kind.
func (b *Broker) Provider() models.ProviderKind {
	return b.cfg.Provider
}

func validateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", apperr.Validation("message content is required")
	}
	if models.ContentTooLong(trimmed) {
		return "", apperr.Validation("message is too long (max 4000 characters)")
	}
	return trimmed, nil
}

func (b *Broker) loadUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := b.store.FindUserByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !user.IsActive) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	return user, nil
}

// Handle runs one chat turn for userID. Nothing is persisted and no credit is
// spent unless a reply was produced and paid for.
func (b *Broker) Handle(ctx context.Context, userID int64, text string, opts ...SendOption) (*ReplyResult, error) {
	content, err := validateText(text)
	if err != nil {
		return nil, err
	}

	unlock, err := b.locker.Lock(ctx, userID)
	if errors.Is(err, ErrLockTimeout) {
		return nil, apperr.Wrap(apperr.KindBusy, "another message is still being processed", err)
	}
	if err != nil {
		return nil, apperr.Internal("acquire user lock", err)
	}
	defer unlock()

	user, err := b.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	fixedCost := b.cfg.TokensPerMessage
	if user.Credits < fixedCost {
		return nil, &apperr.PricedFailure{TokensNeeded: fixedCost, TokensAvailable: user.Credits}
	}

	conv, err := b.store.FindActiveConversation(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		conv = &models.Conversation{UserID: userID, IsActive: true}
	case err != nil:
		return nil, apperr.Internal("load conversation", err)
	}
	userMsg := &models.Message{Role: models.RoleUser, Content: content, CreatedAt: time.Now().UTC()}
	history := append(append([]*models.Message{}, conv.Messages...), userMsg)

	kind := b.cfg.Provider
	entry := log.WithFields(logrus.Fields{"user_id": userID, "provider": string(kind)})
	if !b.guard.Check(kind, content) {
		entry.Info("message rejected by content guard")
		return b.refusal(user.Credits, conv.ID), nil
	}

	adapter, err := b.adapters.Get(kind)
	if err != nil {
		return nil, apperr.Internal("resolve provider", err)
	}
	reply, err := adapter.GenerateReply(ctx, history, StyleHint(opts...))
	switch {
	case errors.Is(err, provider.ErrUpstreamRejected):
		entry.Info("upstream filtered the reply")
		return b.refusal(user.Credits, conv.ID), nil
	case err != nil:
		entry.WithError(err).Warn("provider call failed")
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "the AI provider is unavailable, please try again later", err)
	}

	assistantMsg := &models.Message{
		Role:       models.RoleAssistant,
		Content:    reply.Text,
		TokensUsed: reply.TokensUsed,
		CreatedAt:  time.Now().UTC(),
	}
	totalCost := fixedCost + reply.TokensUsed
	turn := &storage.Turn{
		UserID:         userID,
		ConversationID: conv.ID,
		Messages:       []*models.Message{userMsg, assistantMsg},
		Cost:           totalCost,
	}
	res, err := b.store.CommitTurn(ctx, turn)
	if errors.Is(err, storage.ErrNotFound) && turn.ConversationID != 0 {
		// The conversation was deleted while the reply was generated.
		entry.WithField("conversation_id", turn.ConversationID).Info("conversation gone, starting a new one")
		turn.ConversationID = 0
		res, err = b.store.CommitTurn(ctx, turn)
	}
	if errors.Is(err, storage.ErrInsufficientCredits) {
		available := user.Credits
		if fresh, ferr := b.store.FindUserByID(ctx, userID); ferr == nil {
			available = fresh.Credits
		}
		entry.WithField("cost", totalCost).Info("reply not affordable, turn discarded")
		return nil, &apperr.PricedFailure{TokensNeeded: totalCost, TokensAvailable: available}
	}
	if err != nil {
		entry.WithError(err).WithFields(logrus.Fields{
			"conversation_id": turn.ConversationID,
			"cost":            totalCost,
		}).Error("commit turn failed")
		return nil, apperr.Internal("failed to save the conversation", err)
	}

	entry.WithFields(logrus.Fields{
		"conversation_id": res.ConversationID,
		"cost":            totalCost,
		"remaining":       res.RemainingCredits,
	}).Debug("turn committed")
	return &ReplyResult{
		ReplyText:       reply.Text,
		TokensUsed:      totalCost,
		TokensRemaining: res.RemainingCredits,
		Moderated:       reply.Moderated,
		ConversationID:  res.ConversationID,
	}, nil
}

func (b *Broker) refusal(balance, conversationID int64) *ReplyResult {
	return &ReplyResult{
		ReplyText:       b.guard.Refusal(),
		TokensUsed:      0,
		TokensRemaining: balance,
		Moderated:       true,
		ConversationID:  conversationID,
	}
}

// EstimateCost previews what sending text would cost without touching state.
func (b *Broker) EstimateCost(ctx context.Context, userID int64, text string) (*Estimate, error) {
	content, err := validateText(text)
	if err != nil {
		return nil, err
	}
	user, err := b.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	adapter, err := b.adapters.Get(b.cfg.Provider)
	if err != nil {
		return nil, apperr.Internal("resolve provider", err)
	}
	tokens := adapter.EstimateTokens(ctx, content)
	total := b.cfg.TokensPerMessage + tokens
	return &Estimate{
		FixedCost:       b.cfg.TokensPerMessage,
		EstimatedTokens: tokens,
		TotalCost:       total,
		TokensAvailable: user.Credits,
		Sufficient:      user.Credits >= total,
	}, nil
}
