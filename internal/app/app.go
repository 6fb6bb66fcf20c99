package app

import (
	"context"
	"fmt"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/compose"
	"gatebot/internal/config"
	"gatebot/internal/delivery"
	"gatebot/internal/eventbus"
	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/ops"
	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/scheduler"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	telegram "gatebot/internal/transport/telegram/adapter"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

const digestJob = "digest"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	router  *router.Router
	notif   *notifier.Service
	sched   *scheduler.Service
	engine  *broadcast.Engine
	gate    *gate.Gatekeeper
	flow    *compose.Flow
	metrics *ops.Metrics
	ops     *ops.Service

	updates chan kit.Update
	started time.Time
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")
	cfgm := config.NewManager(cfgPath, bootLog.Component("config"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(mapAdapterConfig(cfg), bootLog.Component("telegram"))
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply doesn't warn about a missing
	// target; the final config is applied once the target is set.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChatID)
	logSvc.Apply(logCfg)

	store, err := storage.Open(mapStorageConfig(cfg), log.Component("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	// the app supervisor exists before Start so the broadcast engine can
	// run campaigns under it; Start ties it to the caller's context
	a.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	a.notif = notifier.New(mapNotifierConfig(cfg), ad, log.Component("notifier"), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.Component("scheduler"))

	deliverer := delivery.NewDeliverer(ad, store,
		delivery.WithLogger(log.Component("delivery")),
		delivery.WithCooldownHook(a.onCooldown),
	)
	a.engine = broadcast.New(mapBroadcastConfig(cfg), store, deliverer,
		broadcast.WithLogger(log.Component("broadcast")),
		broadcast.WithBus(a.bus),
		broadcast.WithSupervisor(a.sup),
	)
	a.gate = gate.New(mapGateConfig(cfg), ad, store, a.sched,
		gate.WithLogger(log.Component("gate")),
		gate.WithBus(a.bus),
		gate.WithOperator(a.notif),
	)

	a.router = router.New(mapRouterConfig(cfg), ad, log.Component("router"))
	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.flow = compose.New(ad, a.engine, a.gate, store, a.router, a.reportSink, log.Component("compose"))
	a.registerRoutes()

	a.metrics = ops.NewMetrics()
	a.registerGauges()
	a.ops = ops.New(mapOpsConfig(cfg), a.metrics, a.health, log.Component("ops"))
	return a, nil
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

func (a *App) Start(ctx context.Context) error {
	context.AfterFunc(ctx, a.sup.Cancel)
	a.started = time.Now()
	run := a.sup.Context()

	a.cfgm.SetValidator(a.validateReload)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.notif.Start(run)
	a.sched.Start(run)
	a.scheduleDigest(a.cfgm.Get())
	a.ops.Reconfigure(run, mapOpsConfig(a.cfgm.Get()))

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	mctx, cancel := context.WithTimeout(run, 10*time.Second)
	if err := a.router.PublishMenu(mctx); err != nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}
	cancel()

	a.log.Info("gatebot started",
		logx.Int64("channel_id", a.cfgm.Get().Telegram.ChannelID),
		logx.Int("admins", len(a.cfgm.Get().Telegram.AdminUserIDs)),
	)
	return nil
}

// logEvents mirrors campaign and gate milestones at debug level; per-recipient
// outcomes are left to metrics.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128, "gate.", eventbus.CampaignStarted, eventbus.CampaignCooldown, eventbus.CampaignFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step; it never extends the caller's deadline
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// campaigns send their final report before the supervisor returns, so the
	// notifier and adapter stay up until it has
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
