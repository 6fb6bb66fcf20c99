package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gatebot/internal/config"
	logx "gatebot/pkg/logx"
)

// validateReload runs after Config.Validate and rejects values that only
// fail against the running process.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cur := a.cfgm.Get(); cur != nil && cur.Telegram.ChannelID != cfg.Telegram.ChannelID {
		return fmt.Errorf("telegram.channel_id cannot change at runtime (%d -> %d)", cur.Telegram.ChannelID, cfg.Telegram.ChannelID)
	}
	return nil
}

// reloadLoop applies published configs, coalescing bursts.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(section string) bool { return slices.Contains(ch.Sections, section) }

	if changed("telegram") || changed("logging") {
		a.logs.SetTelegramTarget(next.Telegram.LogChatID)
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed("telegram") {
		a.router.SetAdmins(next.Telegram.AdminUserIDs)
	}
	if changed("telegram") || changed("notifier") {
		a.applyNotifier(ctx, mapNotifierConfig(prev).Enabled, next)
	}
	if changed("gate") {
		a.gate.Apply(mapGateConfig(next))
	}
	if changed("broadcast") {
		a.engine.Apply(mapBroadcastConfig(next))
	}
	if changed("scheduler") {
		a.sched.Apply(mapSchedulerConfig(next))
		a.scheduleDigest(next)
	}
	if changed("ops") {
		a.ops.Reconfigure(ctx, mapOpsConfig(next))
	}

	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyNotifier swaps the notifier config and starts or stops its workers
// when the pipeline is switched on or off.
func (a *App) applyNotifier(ctx context.Context, wasEnabled bool, next *config.Config) {
	ncfg := mapNotifierConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("operator notifications disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("operator notifications enabled via config")
		a.notif.Start(ctx)
	}
}
