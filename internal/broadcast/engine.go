package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gatebot/internal/delivery"
	"gatebot/internal/eventbus"
	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"
)

const defaultProgressEvery = 100

// finalReportTimeout bounds the final report when the campaign context is
// already done (shutdown, store failure).
const finalReportTimeout = 10 * time.Second

type Engine struct {
	store     Store
	deliverer Deliverer
	log       logx.Logger
	bus       eventbus.Bus
	sup       *rtsup.Supervisor
	now       func() time.Time

	// runMu is held for the whole campaign; TryLock is the concurrency guard.
	runMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	limiter     *rate.Limiter
	status      *Status
	lastAborted *Campaign
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(e *Engine) { e.bus = b } }

// WithSupervisor runs Start's campaigns under sup (panic recovery, shutdown wait).
func WithSupervisor(sup *rtsup.Supervisor) Option { return func(e *Engine) { e.sup = sup } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, store Store, deliverer Deliverer, opts ...Option) *Engine {
	e := &Engine{store: store, deliverer: deliverer, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.Apply(cfg)
	return e
}

// Apply updates pacing and progress cadence; a running campaign picks up the
// new limiter on its next send.
func (e *Engine) Apply(cfg Config) {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

// Running returns the active campaign's status.
func (e *Engine) Running() (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == nil {
		return Status{}, false
	}
	return *e.status, true
}

// Resumable returns the last campaign that stopped before finishing. After a
// restart it is rebuilt from the campaign history.
func (e *Engine) Resumable(ctx context.Context) (Campaign, bool) {
	e.mu.Lock()
	if e.lastAborted != nil {
		c := *e.lastAborted
		e.mu.Unlock()
		return c, true
	}
	e.mu.Unlock()

	rec, ok, err := e.store.LastCampaign(ctx)
	if err != nil {
		e.log.Warn("campaign history unavailable", logx.Err(err))
		return Campaign{}, false
	}
	if !ok || !rec.Aborted || rec.Draft == nil {
		return Campaign{}, false
	}
	return Campaign{
		Draft:     delivery.Draft{Text: rec.Draft.Text, Photos: append([]string(nil), rec.Draft.Photos...)},
		AdminID:   rec.AdminID,
		AdminName: rec.AdminName,
	}, true
}

// Start launches the campaign in the background and returns once it holds the
// guard. ErrCampaignRunning means another campaign is active.
func (e *Engine) Start(ctx context.Context, c Campaign, sink ReportSink) error {
	if err := c.Draft.Validate(); err != nil {
		return err
	}
	if !e.runMu.TryLock() {
		return ErrCampaignRunning
	}
	run := func(ctx context.Context) error {
		defer e.runMu.Unlock()
		_, err := e.runLocked(ctx, c, sink)
		return err
	}
	if e.sup != nil {
		e.sup.Go0("broadcast.campaign", func(sctx context.Context) {
			// failures are already reported through the sink
			_ = run(sctx)
		})
		return nil
	}
	go func() { _ = run(ctx) }()
	return nil
}

// Resume restarts the last interrupted campaign without clearing marks.
func (e *Engine) Resume(ctx context.Context, adminID int64, adminName string, sink ReportSink) error {
	c, ok := e.Resumable(ctx)
	if !ok {
		return ErrNothingToResume
	}
	c.Resume = true
	c.AdminID, c.AdminName = adminID, adminName
	return e.Start(ctx, c, sink)
}

// Run executes the campaign synchronously.
func (e *Engine) Run(ctx context.Context, c Campaign, sink ReportSink) (delivery.Stats, error) {
	if err := c.Draft.Validate(); err != nil {
		return delivery.Stats{}, err
	}
	if !e.runMu.TryLock() {
		return delivery.Stats{}, ErrCampaignRunning
	}
	defer e.runMu.Unlock()
	return e.runLocked(ctx, c, sink)
}

func (e *Engine) runLocked(ctx context.Context, c Campaign, sink ReportSink) (stats delivery.Stats, err error) {
	e.mu.Lock()
	every := e.cfg.ProgressEvery
	e.mu.Unlock()

	rep := Report{
		CampaignID: uuid.NewString(),
		AdminID:    c.AdminID,
		AdminName:  c.AdminName,
		StartedAt:  e.now(),
		Resumed:    c.Resume,
	}
	log := e.log.With(logx.String("campaign", rep.CampaignID))
	draft := c.Draft.Clone()

	e.setStatus(&Status{CampaignID: rep.CampaignID, AdminName: c.AdminName, StartedAt: rep.StartedAt})
	defer func() {
		rep.Stats = stats
		rep.FinishedAt = e.now()
		if err != nil {
			rep.Aborted = true
			rep.Err = err
			cp := c
			cp.Draft = draft
			e.mu.Lock()
			e.lastAborted = &cp
			e.mu.Unlock()
			log.Error("campaign aborted", logx.Int("processed", rep.Processed), logx.Err(err))
		} else {
			e.mu.Lock()
			e.lastAborted = nil
			e.mu.Unlock()
			log.Info("campaign finished", logx.Int("processed", rep.Processed), logx.Int("skipped", rep.Skipped), logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)))
		}
		e.setStatus(nil)
		e.finish(ctx, log, rep, draft, sink)
	}()

	if !c.Resume {
		if err := e.store.ClearDeliveryMarks(ctx); err != nil {
			return stats, err
		}
	}
	total, err := e.store.CountRecipients(ctx)
	if err != nil {
		return stats, err
	}
	rep.Total = total
	e.updateStatus(func(s *Status) { s.Total = total })

	// Until finish overwrites it, the history shows this campaign as
	// interrupted, so a crash mid-run leaves it resumable.
	if err := e.store.SaveCampaign(ctx, campaignRecord(rep, draft, true)); err != nil {
		log.Warn("campaign checkpoint not saved", logx.Err(err))
	}

	log.Info("campaign started", logx.Int("recipients", total), logx.Int("photos", len(draft.Photos)), logx.Bool("resume", c.Resume))
	eventbus.Publish(e.bus, eventbus.CampaignStarted, rep)

	for id, ierr := range e.store.Recipients(ctx) {
		if ierr != nil {
			return stats, ierr
		}
		done, derr := e.store.IsDelivered(ctx, id)
		if derr != nil {
			return stats, derr
		}
		if done {
			rep.Skipped++
			continue
		}
		if werr := e.pace(ctx); werr != nil {
			return stats, werr
		}

		res, derr := e.deliverer.DeliverOne(ctx, id, draft)
		if derr != nil {
			return stats, derr
		}
		for _, o := range res.Counted() {
			stats.Add(o)
			eventbus.Publish(e.bus, eventbus.CampaignOutcome, o.String())
		}
		rep.Processed++
		e.updateStatus(func(s *Status) { s.Processed = rep.Processed; s.Stats = stats })

		if rep.Processed%every == 0 {
			p := Progress{
				CampaignID: rep.CampaignID,
				Processed:  rep.Processed,
				Skipped:    rep.Skipped,
				Total:      total,
				Stats:      stats,
				Elapsed:    e.now().Sub(rep.StartedAt),
			}
			eventbus.Publish(e.bus, eventbus.CampaignProgress, p)
			if sink != nil {
				if perr := sink.Progress(ctx, p); perr != nil {
					log.Warn("progress report failed", logx.Err(perr))
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// finish records the campaign and hands the final report to the sink. It runs
// even when ctx is done so admins always get a summary.
func (e *Engine) finish(ctx context.Context, log logx.Logger, rep Report, draft delivery.Draft, sink ReportSink) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalReportTimeout)
	defer cancel()

	if err := e.store.SaveCampaign(fctx, campaignRecord(rep, draft, rep.Aborted)); err != nil {
		log.Warn("campaign history not saved", logx.Err(err))
	}
	eventbus.Publish(e.bus, eventbus.CampaignFinished, rep)
	if sink == nil {
		return
	}
	if err := sink.Finished(fctx, rep); err != nil {
		log.Warn("final report failed", logx.Err(err))
	}
}

// campaignRecord builds the history row; the draft is only kept when the
// campaign is (or may become) resumable.
func campaignRecord(rep Report, draft delivery.Draft, aborted bool) storage.CampaignRecord {
	finished := rep.FinishedAt
	if finished.IsZero() {
		finished = rep.StartedAt
	}
	rec := storage.CampaignRecord{
		ID:         rep.CampaignID,
		AdminID:    rep.AdminID,
		AdminName:  rep.AdminName,
		StartedAt:  rep.StartedAt,
		FinishedAt: finished,
		Resumed:    rep.Resumed,
		Aborted:    aborted,
		Counts:     rep.Stats.Map(),
	}
	if aborted {
		rec.Draft = &storage.DraftRecord{Text: draft.Text, Photos: append([]string(nil), draft.Photos...)}
	}
	return rec
}

func (e *Engine) pace(ctx context.Context) error {
	e.mu.Lock()
	lim := e.limiter
	e.mu.Unlock()
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("pace: %w", err)
	}
	return nil
}

func (e *Engine) setStatus(s *Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) updateStatus(fn func(s *Status)) {
	e.mu.Lock()
	if e.status != nil {
		fn(e.status)
	}
	e.mu.Unlock()
}
