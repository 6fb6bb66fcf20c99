package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "gatebot/internal/runtime/supervisor"
	logx "gatebot/pkg/logx"
)

var ErrNotStarted = errors.New("scheduler not started")

type Config struct {
	Timezone string
	// DefaultTimeout applies to jobs added with timeout 0.
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

type onceEntry struct {
	timer *time.Timer
	at    time.Time
	ver   uint64
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	loc   *time.Location
	c     *cron.Cron
	sup   *rtsup.Supervisor
	crons map[string]cronEntry

	tmu     sync.Mutex
	once    map[string]*onceEntry
	onceVer uint64
}

type cronEntry struct {
	id      cron.EntryID
	spec    string
	timeout time.Duration
	job     Job
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		crons:  map[string]cronEntry{},
		once:   map[string]*onceEntry{},
	}
}

// Apply updates config. A timezone change restarts cron with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.restartCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for name, e := range s.crons {
		if err := s.registerCronLocked(name, &e); err != nil {
			s.log.Warn("cron re-register failed", logx.String("name", name), logx.Err(err))
			continue
		}
		s.crons[name] = e
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("cron", len(s.crons)))
}

// Stop stops triggering and cancels pending one-shot timers, then waits for
// running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	pending := len(s.once)
	for name, e := range s.once {
		e.timer.Stop()
		delete(s.once, name)
	}
	s.tmu.Unlock()
	if pending > 0 {
		s.log.Warn("pending timers dropped on stop", logx.Int("count", pending))
	}

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// AddOnce runs job once at the given time. Re-adding a name replaces the
// pending timer.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	if name == "" || job == nil {
		return errors.New("name and job required")
	}
	s.mu.Lock()
	started := s.c != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok {
		old.timer.Stop()
	}
	s.onceVer++
	e := &onceEntry{at: at, ver: s.onceVer}
	ver := e.ver
	e.timer = time.AfterFunc(max(time.Until(at), 0), func() {
		// drop callbacks of replaced or removed timers
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.run(name, timeout, job)
	})
	s.once[name] = e
	return nil
}

// AddCron registers job under a cron spec. Cron jobs survive Stop/Start.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if name == "" || job == nil {
		return errors.New("name and job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.crons[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := cronEntry{spec: spec, timeout: timeout, job: job}
	if s.c != nil {
		if err := s.registerCronLocked(name, &e); err != nil {
			return err
		}
	}
	s.crons[name] = e
	return nil
}

// Remove cancels a one-shot timer or cron schedule by name.
func (s *Service) Remove(name string) bool {
	removed := false
	s.tmu.Lock()
	if e, ok := s.once[name]; ok {
		e.timer.Stop()
		delete(s.once, name)
		removed = true
	}
	s.tmu.Unlock()

	s.mu.Lock()
	if e, ok := s.crons[name]; ok {
		if s.c != nil {
			s.c.Remove(e.id)
		}
		delete(s.crons, name)
		removed = true
	}
	s.mu.Unlock()
	return removed
}

// Pending returns how many one-shot timers are waiting.
func (s *Service) Pending() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.once)
}

// NextRun reports the next trigger of a cron schedule.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.crons[name]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	return s.c.Entry(e.id).Next, true
}

func (s *Service) registerCronLocked(name string, e *cronEntry) error {
	job, timeout := e.job, e.timeout
	id, err := s.c.AddFunc(e.spec, func() { s.run(name, timeout, job) })
	if err != nil {
		return fmt.Errorf("cron %s: %w", name, err)
	}
	e.id = id
	return nil
}

func (s *Service) restartCronLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for name, e := range s.crons {
		if err := s.registerCronLocked(name, &e); err != nil {
			s.log.Warn("cron re-register failed", logx.String("name", name), logx.Err(err))
			continue
		}
		s.crons[name] = e
	}
	s.c.Start()
	go old.Stop()
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

func (s *Service) run(name string, timeout time.Duration, job Job) {
	s.mu.Lock()
	sup := s.sup
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if sup == nil {
		s.log.Debug("job fired after stop; skipped", logx.String("name", name))
		return
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	sup.Go("job."+name, func(ctx context.Context) error {
		jctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		err := job(jctx)
		if err != nil {
			s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return nil
		}
		s.log.Debug("job done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return nil
	})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
