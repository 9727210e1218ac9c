package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := fmt.Errorf("commit turn: %w", Internal("persist failed", cause))

	assert.Equal(t, KindInternal, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, KindNotFound, KindOf(NotFound("user not found")))
	assert.Equal(t, KindInsufficientCredit, KindOf(fmt.Errorf("send: %w", &PricedFailure{TokensNeeded: 10, TokensAvailable: 5})))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestMessageHidesRawErrors(t *testing.T) {
	assert.Equal(t, "internal server error", Message(errors.New("sql: connection refused")))
	assert.Equal(t, "content is required", Message(Validation("content is required")))
	assert.Equal(t, "persist failed", Message(Internal("persist failed", errors.New("locked"))))
}
