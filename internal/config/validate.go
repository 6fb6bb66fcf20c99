package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the fields every component relies on. All problems are
// reported at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if c.Telegram.ChannelID == 0 {
		add(errors.New("telegram.channel_id is required"))
	}
	for i, id := range c.Telegram.AdminUserIDs {
		if id <= 0 {
			add(fmt.Errorf("telegram.admin_user_ids[%d]: must be a user id, got %d", i, id))
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":     c.Telegram.PollTimeout,
		"gate.approval_delay":       c.Gate.ApprovalDelay,
		"gate.approve_timeout":      c.Gate.ApproveTimeout,
		"broadcast.send_timeout":    c.Broadcast.SendTimeout,
		"router.handler_timeout":    c.Router.HandlerTimeout,
		"scheduler.default_timeout": c.Scheduler.DefaultTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"ops.read_timeout":          c.Ops.ReadTimeout,
		"ops.write_timeout":         c.Ops.WriteTimeout,
		"ops.idle_timeout":          c.Ops.IdleTimeout,
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.Broadcast.ProgressEvery < 0 {
		add(errors.New("broadcast.progress_every must be >= 0"))
	}
	if c.Broadcast.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec must be >= 0"))
	}
	if c.Router.Workers < 0 || c.Router.QueueSize < 0 {
		add(errors.New("router.workers and router.queue_size must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}

	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	return errors.Join(errs...)
}
