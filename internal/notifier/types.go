package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	ChatID        int64
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

// Notification is one operator message. Key enables dedup within
// Config.DedupWindow; empty Key is never deduplicated.
type Notification struct {
	Text string
	HTML bool
	Key  string
}

// Event is the payload of notifier.* bus events.
type Event struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
