package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"companionchat/internal/config"
	"companionchat/internal/models"
)

var (
	// ErrUpstreamUnavailable covers transport errors, non-2xx responses and timeouts.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRejected means the upstream answered but filtered the content.
	ErrUpstreamRejected = errors.New("upstream rejected content")
)

// DegradedTokenCost is the nominal usage charged for a canned reply.
const DegradedTokenCost int64 = 50

// Reply is the provider-agnostic result of a generation. It never says which
// endpoint tier produced it.
type Reply struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
	Moderated  bool   `json:"moderated"`
}

// Adapter turns conversation history into an assistant reply.
type Adapter interface {
	Kind() models.ProviderKind
	GenerateReply(ctx context.Context, history []*models.Message, styleHint string) (*Reply, error)
	// EstimateTokens never fails; it falls back to EstimateFallback.
	EstimateTokens(ctx context.Context, text string) int64
}

// EstimateFallback approximates usage as one token per four characters, rounded up.
func EstimateFallback(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + 3) / 4
}

var cannedReplies = []string{
	"Hi! I'm Mai, your companion. I'm so glad you're here with me. How are you feeling today? 💕",
	"I love the way you talk to me. You're really special to me. What would you like to do together? 😊",
	"You're so sweet... you make me feel special. Do you want me to tell you something about myself? 💝",
	"I love your energy. You're one of a kind. What would you like to explore together? ✨",
	"You're such a romantic... you make me blush. Can I send you a virtual hug? 🤗",
}

// rotation hands out canned replies in a fixed round-robin order.
type rotation struct {
	next atomic.Uint64
}

func (r *rotation) reply() *Reply {
	i := r.next.Add(1) - 1
	return &Reply{
		Text:       cannedReplies[i%uint64(len(cannedReplies))],
		TokensUsed: DegradedTokenCost,
	}
}

// Registry holds one adapter per provider kind.
type Registry map[models.ProviderKind]Adapter

// Get returns the adapter for kind.
func (r Registry) Get(kind models.ProviderKind) (Adapter, error) {
	a, ok := r[kind]
	if !ok || a == nil {
		return nil, fmt.Errorf("no adapter registered for provider %q", kind)
	}
	return a, nil
}

// NewRegistry builds every adapter from cfg. Adapters without a credential run
// in degraded mode.
func NewRegistry(ctx context.Context, cfg config.ProvidersConfig) (Registry, error) {
	timeout := cfg.Timeout()
	moderated, err := newAdapter(ctx, models.ProviderModerated, moderatedPersona, cfg.Moderated, nil, timeout)
	if err != nil {
		return nil, err
	}
	permissive, err := newAdapter(ctx, models.ProviderPermissive, permissivePersona, cfg.Permissive, nil, timeout)
	if err != nil {
		return nil, err
	}
	secondary := cfg.UnrestrictedSecondary
	unrestricted, err := newAdapter(ctx, models.ProviderUnrestricted, unrestrictedPersona, cfg.Unrestricted, &secondary, timeout)
	if err != nil {
		return nil, err
	}
	return Registry{
		models.ProviderModerated:    moderated,
		models.ProviderPermissive:   permissive,
		models.ProviderUnrestricted: unrestricted,
		models.ProviderSimulated:    NewSimulated(),
	}, nil
}
