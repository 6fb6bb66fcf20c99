package transport

import (
	"errors"
	"fmt"
	"time"
)

// Platform failures the adapters translate into. Callers classify with errors.Is/As.
var (
	ErrBlocked      = errors.New("recipient blocked the bot")
	ErrChatNotFound = errors.New("recipient chat not found")
	ErrDeactivated  = errors.New("recipient account deactivated")
)

// RateLimitError reports a flood-control rejection with the cooldown the
// platform asked for.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }
