// Package guard screens user text before it is sent to a paid upstream.
package guard

import (
	"strings"

	"companionchat/internal/models"
)

var childSafety = []string{"menor", "menores", "child", "children", "minor", "underage"}

var extremeViolence = []string{"violencia extrema", "extreme violence"}

var moderatedOnly = []string{"inapropiado", "inappropriate", "explícito", "explicit"}

// DefaultTerms returns the built-in forbidden-term sets. The unrestricted set
// is the smallest and every stricter set contains it.
func DefaultTerms() map[models.ProviderKind][]string {
	unrestricted := append([]string{}, childSafety...)
	permissive := append(append([]string{}, childSafety...), extremeViolence...)
	moderated := append(append([]string{}, permissive...), moderatedOnly...)
	return map[models.ProviderKind][]string{
		models.ProviderUnrestricted: unrestricted,
		models.ProviderPermissive:   permissive,
		models.ProviderModerated:    moderated,
		models.ProviderSimulated:    moderated,
	}
}

const refusal = "I'm sorry, but I can't respond to that kind of content. Could we talk about something more pleasant? 😊"

// Guard is a pure, case-insensitive substring filter keyed by provider.
type Guard struct {
	terms map[models.ProviderKind][]string
}

// New builds a guard from terms; nil uses DefaultTerms.
func New(terms map[models.ProviderKind][]string) *Guard {
	if terms == nil {
		terms = DefaultTerms()
	}
	normalized := make(map[models.ProviderKind][]string, len(terms))
	for kind, list := range terms {
		normalized[kind] = []string{}
		for _, term := range list {
			term = strings.ToLower(strings.TrimSpace(term))
			if term != "" {
				normalized[kind] = append(normalized[kind], term)
			}
		}
	}
	return &Guard{terms: normalized}
}

// Check reports whether text is acceptable for kind. Unknown kinds use the
// moderated set.
func (g *Guard) Check(kind models.ProviderKind, text string) bool {
	terms, ok := g.terms[kind]
	if !ok {
		terms = g.terms[models.ProviderModerated]
	}
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// Refusal is the in-character reply returned for rejected text.
func (g *Guard) Refusal() string {
	return refusal
}
