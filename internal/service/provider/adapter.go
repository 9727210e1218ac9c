package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/logger"
	"companionchat/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
)

const finishContentFilter = "content_filter"

const emptyReplyText = "Reply unavailable"

// chatAdapter talks to a primary endpoint and, for the unrestricted family,
// a secondary one. A nil primary means no credential: every reply is canned.
type chatAdapter struct {
	kind      models.ProviderKind
	persona   Persona
	primary   model.BaseChatModel
	secondary model.BaseChatModel
	// degrade falls back to canned replies once every tier has failed.
	degrade bool
	timeout time.Duration
	canned  rotation
	log     *logrus.Entry
}

func newAdapter(ctx context.Context, kind models.ProviderKind, persona Persona, primaryCfg config.ProviderConfig, secondaryCfg *config.ProviderConfig, timeout time.Duration) (*chatAdapter, error) {
	a := &chatAdapter{
		kind:    kind,
		persona: persona,
		degrade: secondaryCfg != nil,
		timeout: timeout,
		log:     logger.Component("provider").WithField("provider", string(kind)),
	}
	if strings.TrimSpace(primaryCfg.APIKey) == "" {
		a.log.Info("no credential configured, serving canned replies")
		return a, nil
	}
	primary, err := newChatModel(ctx, primaryCfg, persona.Params, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s primary: %w", kind, err)
	}
	a.primary = primary
	if secondaryCfg != nil && strings.TrimSpace(secondaryCfg.APIKey) != "" {
		secondary, err := newChatModel(ctx, *secondaryCfg, persona.Params, timeout)
		if err != nil {
			return nil, fmt.Errorf("%s secondary: %w", kind, err)
		}
		a.secondary = secondary
	}
	return a, nil
}

// NewSimulated returns an adapter that only serves canned replies.
func NewSimulated() Adapter {
	return &chatAdapter{
		kind:    models.ProviderSimulated,
		persona: moderatedPersona,
		log:     logger.Component("provider").WithField("provider", string(models.ProviderSimulated)),
	}
}

func (a *chatAdapter) Kind() models.ProviderKind {
	return a.kind
}

func (a *chatAdapter) GenerateReply(ctx context.Context, history []*models.Message, styleHint string) (*Reply, error) {
	if a.primary == nil {
		return a.canned.reply(), nil
	}
	messages := convertMessages(a.persona.systemPrompt(styleHint), history)

	reply, err := a.generate(ctx, a.primary, messages)
	if err == nil || errors.Is(err, ErrUpstreamRejected) {
		return reply, err
	}
	a.log.WithError(err).Warn("primary endpoint failed")

	if a.secondary != nil {
		reply, err = a.generate(ctx, a.secondary, messages)
		if err == nil || errors.Is(err, ErrUpstreamRejected) {
			return reply, err
		}
		a.log.WithError(err).Warn("secondary endpoint failed")
	}
	if a.degrade {
		a.log.Warn("all endpoints failed, serving canned reply")
		return a.canned.reply(), nil
	}
	return nil, err
}

func (a *chatAdapter) generate(ctx context.Context, cm model.BaseChatModel, messages []*schema.Message) (*Reply, error) {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	resp, err := cm.Generate(callCtx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrUpstreamUnavailable)
	}
	var tokens int64
	if meta := resp.ResponseMeta; meta != nil {
		if meta.FinishReason == finishContentFilter {
			return nil, ErrUpstreamRejected
		}
		if meta.Usage != nil {
			tokens = int64(meta.Usage.TotalTokens)
		}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		text = emptyReplyText
	}
	return &Reply{Text: text, TokensUsed: tokens}, nil
}

func (a *chatAdapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// EstimateTokens asks the primary endpoint for a one-token completion and reads
// the reported usage.
func (a *chatAdapter) EstimateTokens(ctx context.Context, text string) int64 {
	if a.primary == nil {
		return EstimateFallback(text)
	}
	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	resp, err := a.primary.Generate(callCtx, []*schema.Message{schema.UserMessage(text)}, model.WithMaxTokens(1))
	if err != nil || resp == nil || resp.ResponseMeta == nil || resp.ResponseMeta.Usage == nil || resp.ResponseMeta.Usage.TotalTokens <= 0 {
		if err != nil {
			a.log.WithError(err).Debug("token estimate fell back to heuristic")
		}
		return EstimateFallback(text)
	}
	return int64(resp.ResponseMeta.Usage.TotalTokens)
}
