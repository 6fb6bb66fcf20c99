package delivery

import (
	"errors"
	"time"

	kit "gatebot/internal/transport"
)

// Outcome is the closed set of per-recipient delivery categories.
type Outcome uint8

const (
	Delivered Outcome = iota
	RecipientBlocked
	RecipientNotFound
	RateLimited
	RecipientDeactivated
	PlatformError

	numOutcomes
)

// Outcomes lists every category in report order.
func Outcomes() []Outcome {
	return []Outcome{Delivered, RecipientBlocked, RecipientNotFound, RateLimited, RecipientDeactivated, PlatformError}
}

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RecipientBlocked:
		return "blocked"
	case RecipientNotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case RecipientDeactivated:
		return "deactivated"
	case PlatformError:
		return "platform_error"
	default:
		return "unknown"
	}
}

// Label is the human-readable name used in reports.
func (o Outcome) Label() string {
	switch o {
	case Delivered:
		return "Delivered"
	case RecipientBlocked:
		return "Blocked the bot"
	case RecipientNotFound:
		return "Chat not found"
	case RateLimited:
		return "Flood limit hit"
	case RecipientDeactivated:
		return "Account deleted"
	case PlatformError:
		return "Other errors"
	default:
		return "Unknown"
	}
}

// Classify maps a send error to its outcome. retryAfter is only set for
// RateLimited.
func Classify(err error) (o Outcome, retryAfter time.Duration) {
	if err == nil {
		return Delivered, 0
	}
	var rl *kit.RateLimitError
	switch {
	case errors.As(err, &rl):
		return RateLimited, rl.RetryAfter
	case errors.Is(err, kit.ErrBlocked):
		return RecipientBlocked, 0
	case errors.Is(err, kit.ErrChatNotFound):
		return RecipientNotFound, 0
	case errors.Is(err, kit.ErrDeactivated):
		return RecipientDeactivated, 0
	default:
		return PlatformError, 0
	}
}

// Stats counts outcomes over one campaign. Every category is always present.
type Stats [numOutcomes]int

func (s *Stats) Add(o Outcome) {
	if o < numOutcomes {
		s[o]++
	}
}

func (s Stats) Get(o Outcome) int {
	if o >= numOutcomes {
		return 0
	}
	return s[o]
}

// Total is the sum over all categories. A recipient retried after a flood
// wait is counted twice.
func (s Stats) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// Map renders the counts keyed by Outcome.String, for storage and events.
func (s Stats) Map() map[string]int {
	m := make(map[string]int, numOutcomes)
	for _, o := range Outcomes() {
		m[o.String()] = s[o]
	}
	return m
}

// StatsFromMap is the inverse of Map; unknown keys are ignored.
func StatsFromMap(m map[string]int) Stats {
	var s Stats
	for _, o := range Outcomes() {
		s[o] = m[o.String()]
	}
	return s
}
