package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/compose"
	"gatebot/internal/config"
	"gatebot/internal/eventbus"
	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/ops"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// registerRoutes connects updates to the gate and the admin flow. Private
// text that reads like the challenge answer goes to the gate unless the
// sender is in the middle of composing a post.
func (a *App) registerRoutes() {
	a.flow.Register(a.router)

	a.router.HandleCallback(router.CallbackRoute{
		Scope:  "gate",
		Action: "confirm",
		Handle: func(ctx context.Context, req *router.Request, _ string) error {
			return a.gate.Confirm(ctx, req.FromID, req.Chat.ChatID, req.FromName)
		},
	})
	a.router.OnJoinRequest(a.gate.HandleJoinRequest)
	a.router.OnMessage(a.onMessage)
}

func (a *App) onMessage(ctx context.Context, req *router.Request) error {
	if msg := req.Message(); msg != nil && req.Private && !a.flow.Active(req.FromID) && gate.IsConfirmText(msg.Text) {
		return a.gate.Confirm(ctx, req.FromID, req.Chat.ChatID, req.FromName)
	}
	return a.flow.HandleMessage(ctx, req)
}

// reportSink sends progress to the log chat and the final report to both the
// admin who started the campaign and the log chat.
func (a *App) reportSink(adminID int64, _ string, chat kit.ChatTarget) broadcast.ReportSink {
	return broadcast.SinkFuncs{
		OnProgress: func(ctx context.Context, p broadcast.Progress) error {
			return a.operator(ctx, "", broadcast.FormatProgress(p))
		},
		OnFinished: func(ctx context.Context, r broadcast.Report) error {
			text := broadcast.FormatReport(r)
			_, err := a.adapter.SendText(ctx, chat, text, tgui.HTML(compose.MainKeyboard()))
			if err != nil {
				err = fmt.Errorf("report to admin %d: %w", adminID, err)
			}
			return errors.Join(err, a.operator(ctx, "", text))
		},
	}
}

// operator queues an HTML message for the log chat. A disabled pipeline is
// not an error.
func (a *App) operator(ctx context.Context, key, html string) error {
	err := a.notif.Notify(ctx, notifier.Notification{Text: html, HTML: true, Key: key})
	if errors.Is(err, notifier.ErrDisabled) {
		return nil
	}
	return err
}

// onCooldown runs inside DeliverOne before the flood-control sleep.
func (a *App) onCooldown(recipient int64, wait time.Duration) {
	secs := int(wait.Round(time.Second) / time.Second)
	a.log.Warn("flood limit exceeded", logx.Int64("recipient", recipient), logx.Duration("wait", wait))
	eventbus.Publish(a.bus, eventbus.CampaignCooldown, recipient)
	text := fmt.Sprintf("target %s: flood limit exceeded, sleeping %d s", tgui.ID(recipient), secs)
	if err := a.operator(a.sup.Context(), "", text); err != nil {
		a.log.Debug("flood notice dropped", logx.Err(err))
	}
}

// scheduleDigest installs, replaces or removes the daily digest.
func (a *App) scheduleDigest(cfg *config.Config) {
	spec := strings.TrimSpace(cfg.Scheduler.DigestCron)
	if spec == "" {
		a.sched.Remove(digestJob)
		return
	}
	if err := a.sched.AddCron(digestJob, spec, time.Minute, a.digest); err != nil {
		a.log.Warn("digest not scheduled", logx.String("spec", spec), logx.Err(err))
		return
	}
	fields := []logx.Field{logx.String("spec", spec)}
	if next, ok := a.sched.NextRun(digestJob); ok {
		fields = append(fields, logx.Time("next", next))
	}
	a.log.Info("digest scheduled", fields...)
}

func (a *App) digest(ctx context.Context) error {
	status, err := a.flow.Status(ctx)
	if err != nil {
		return err
	}
	return a.operator(ctx, digestJob, tgui.B("📊 Daily digest").String()+"\n\n"+status)
}

func (a *App) registerGauges() {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"gatebot_pending_approvals", "Join requests waiting for the approval timer", func() float64 {
			return float64(a.gate.PendingApprovals())
		}},
		{"gatebot_scheduled_timers", "Pending one-shot scheduler timers", func() float64 {
			return float64(a.sched.Pending())
		}},
		{"gatebot_bus_dropped_events", "Events lost to full subscriber buffers since start", func() float64 {
			return float64(a.bus.Dropped())
		}},
	}
	for _, g := range gauges {
		if err := a.metrics.GaugeFunc(g.name, g.help, g.fn); err != nil {
			a.log.Warn("gauge not registered", logx.String("name", g.name), logx.Err(err))
		}
	}
}

func (a *App) health(context.Context) ops.Health {
	h := ops.Health{
		OK:         true,
		Uptime:     time.Since(a.started).Truncate(time.Second).String(),
		Supervisor: a.sup.Counters(),
	}
	_, h.Campaign = a.engine.Running()
	if err := a.sup.Err(); err != nil {
		h.OK = false
		h.Error = err.Error()
	}
	return h
}
