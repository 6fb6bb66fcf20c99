package config

import (
	"reflect"
	"slices"
	"strings"

	logx "gatebot/pkg/logx"
)

// Change summarizes a reload. Attrs never include secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, changed bool, attrs ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		ot.Token != nt.Token || ot.ChannelID != nt.ChannelID || ot.LogChatID != nt.LogChatID ||
			!slices.Equal(ot.AdminUserIDs, nt.AdminUserIDs) || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout),
		logx.Int64("telegram.channel_id", nt.ChannelID),
		logx.Int64("telegram.log_chat_id", nt.LogChatID),
		logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
	)
	if ot.Token != nt.Token {
		ch.Restart = append(ch.Restart, "telegram.token")
	}
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		ch.Restart = append(ch.Restart, "telegram.poll_timeout")
	}

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)
	section("gate", oldCfg.Gate != newCfg.Gate,
		logx.String("gate.approval_delay", newCfg.Gate.ApprovalDelay),
	)
	section("broadcast", oldCfg.Broadcast != newCfg.Broadcast,
		logx.Int("broadcast.progress_every", newCfg.Broadcast.ProgressEvery),
		logx.Any("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
	)
	if oldCfg.Broadcast.SendTimeout != newCfg.Broadcast.SendTimeout {
		ch.Restart = append(ch.Restart, "broadcast.send_timeout")
	}
	section("router", oldCfg.Router != newCfg.Router,
		logx.Int("router.workers", newCfg.Router.Workers),
	)
	if oldCfg.Router != newCfg.Router {
		ch.Restart = append(ch.Restart, "router")
	}
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.String("scheduler.digest_cron", newCfg.Scheduler.DigestCron),
	)
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Bool("notifier.set", newCfg.Notifier != nil),
	)
	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
	)
	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
	}

	no := newCfg.Ops
	section("ops", oldCfg.Ops != no,
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", no.Addr),
		logx.Bool("ops.token_set", no.Token != ""),
		logx.Bool("ops.pprof", no.Pprof),
	)
	return ch
}
