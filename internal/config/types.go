package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Gate      GateConfig      `json:"gate"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Router    RouterConfig    `json:"router,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`

	// Notifier is optional; when omitted the operator channel pipeline runs
	// with defaults whenever telegram.log_chat_id is set.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the restricted channel whose join requests are gated.
	ChannelID int64 `json:"channel_id"`
	// LogChatID receives operator logs and campaign reports. 0 disables them.
	LogChatID    int64   `json:"log_chat_id"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "1m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log records at or above MinLevel to the log chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// GateConfig controls the join challenge.
//
// Defaults: approval_delay "5m", approve_timeout "30s".
type GateConfig struct {
	ApprovalDelay  string `json:"approval_delay"`
	ApproveTimeout string `json:"approve_timeout,omitempty"`
}

// BroadcastConfig controls campaign delivery.
//
// Defaults: progress_every 100, rate_per_sec 0 (no pacing beyond the
// platform's flood control), send_timeout "15s". send_timeout bounds every
// Bot API request on top of the long-poll wait.
type BroadcastConfig struct {
	ProgressEvery int     `json:"progress_every"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// RouterConfig sizes the update dispatcher.
type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout bounds jobs without their own timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// DigestCron posts a daily summary to the log chat. Empty disables it.
	DigestCron string `json:"digest_cron,omitempty"`
}

// NotifierConfig controls the async operator-channel pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// StorageConfig selects the recipient store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gatebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the optional HTTP server with health, metrics and pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
