package app

import (
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/ops"
	"gatebot/internal/scheduler"
	"gatebot/internal/storage"
	telegram "gatebot/internal/transport/telegram/adapter"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
)

// Config values are validated before they reach these mappers, so invalid
// durations never occur here; DurationOr only fills defaults.

func mapAdapterConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
		SendTimeout: config.DurationOr(cfg.Broadcast.SendTimeout, 15*time.Second),
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}
}

// mapNotifierConfig enables the operator pipeline whenever a log chat is set,
// unless a notifier section exists and disables it.
func mapNotifierConfig(cfg *config.Config) notifier.Config {
	out := notifier.Config{
		Enabled: cfg.Telegram.LogChatID != 0,
		ChatID:  cfg.Telegram.LogChatID,
	}
	n := cfg.Notifier
	if n == nil {
		return out
	}
	out.Enabled = out.Enabled && n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase = config.DurationOr(n.RetryBase, 0)
	out.RetryMaxDelay = config.DurationOr(n.RetryMaxDelay, 0)
	out.DedupWindow = config.DurationOr(n.DedupWindow, 0)
	return out
}

func mapGateConfig(cfg *config.Config) gate.Config {
	return gate.Config{
		ChannelID:      cfg.Telegram.ChannelID,
		ApprovalDelay:  config.DurationOr(cfg.Gate.ApprovalDelay, 0),
		ApproveTimeout: config.DurationOr(cfg.Gate.ApproveTimeout, 0),
	}
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		ProgressEvery: cfg.Broadcast.ProgressEvery,
		RatePerSec:    cfg.Broadcast.RatePerSec,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultTimeout: config.DurationOr(cfg.Scheduler.DefaultTimeout, 0),
	}
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		Workers:   cfg.Router.Workers,
		QueueSize: cfg.Router.QueueSize,
		Timeout:   config.DurationOr(cfg.Router.HandlerTimeout, 30*time.Second),
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          config.DurationOr(o.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr(o.WriteTimeout, 60*time.Second),
		IdleTimeout:          config.DurationOr(o.IdleTimeout, 60*time.Second),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
}
