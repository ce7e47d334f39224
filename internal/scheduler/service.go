package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"upkeep/internal/deps"
	"upkeep/internal/engine"
	"upkeep/internal/eventbus"
	"upkeep/internal/history"
	"upkeep/internal/job"
	"upkeep/internal/persist"
	"upkeep/internal/runtime/supervisor"
	logx "upkeep/pkg/logx"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicateJob = errors.New("duplicate job id")
	ErrNoHandler    = errors.New("job has no resolved handler")
	ErrNotRunning   = errors.New("scheduler not running")
)

// Config controls the scheduler loop.
//
// Workers is read once by New; changing it needs a restart.
type Config struct {
	Tick          time.Duration
	Workers       int
	Timezone      string // IANA TZ, empty means Local
	StopGrace     time.Duration
	KillGrace     time.Duration
	AutosaveEvery time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = engine.DefaultKillGrace
	}
	if c.AutosaveEvery <= 0 {
		c.AutosaveEvery = 15 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = history.DefaultCapacity
	}
	return c
}

// Deps are the collaborators a Service is built from. Only Registry is required.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Registry *job.Registry
	Persist  *persist.Manager
	History  *history.Store
}

type entry struct {
	def      job.Definition
	handler  job.Handler
	loadErr  error
	removing bool
}

type pendingRetry struct {
	attempt int
	at      time.Time
}

// Service owns the job table and drives executions from a fixed tick.
type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	loc *time.Location
	now func() time.Time

	bus       eventbus.Bus
	registry  *job.Registry
	persist   *persist.Manager
	history   *history.Store
	resolver  *deps.Resolver
	admission *engine.Admission
	exec      *engine.Executor

	jobs    map[string]*entry
	retries map[string]pendingRetry
	execs   map[string]map[string]*engine.Execution // job id -> execution id

	dirty        bool
	lastSaveSlot time.Time

	running bool
	sup     *supervisor.Supervisor

	// Admission warning throttling, keyed by job id.
	warnMu        sync.Mutex
	lastAdmitWarn map[string]time.Time
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := d.Registry
	if reg == nil {
		reg = job.NewRegistry()
	}
	hist := d.History
	if hist == nil {
		hist = history.New(cfg.HistorySize)
	}
	s := &Service{
		cfg:           cfg,
		log:           log,
		now:           time.Now,
		bus:           d.Bus,
		registry:      reg,
		persist:       d.Persist,
		history:       hist,
		admission:     engine.NewAdmission(cfg.Workers),
		exec:          engine.NewExecutor(engine.Config{KillGrace: cfg.KillGrace}, log.With(logx.String("sub", "executor"))),
		jobs:          map[string]*entry{},
		retries:       map[string]pendingRetry{},
		execs:         map[string]map[string]*engine.Execution{},
		lastAdmitWarn: map[string]time.Time{},
	}
	// The resolver runs under s.mu, so known reads the table directly.
	s.resolver = deps.NewResolver(hist, func(id string) bool {
		e, ok := s.jobs[id]
		return ok && !e.removing
	})
	s.loc = s.loadLocationLocked()
	return s
}

// Apply updates tick, grace periods, autosave and timezone at runtime.
// A timezone change recomputes NextRun for every enabled job.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Workers != s.cfg.Workers {
		s.log.Warn("scheduler.workers change requires restart",
			logx.Int("current", s.cfg.Workers), logx.Int("requested", cfg.Workers))
		cfg.Workers = s.cfg.Workers
	}
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.loc = s.loadLocationLocked()
	now := s.now()
	for _, e := range s.jobs {
		if e.def.Enabled && e.handler != nil {
			e.def.NextRun = s.nextLocked(e.def, now)
		}
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

// Running reports whether the loop is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the loop under a supervisor. It returns false if already running.
func (s *Service) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already running")
		return false
	}
	s.running = true
	s.lastSaveSlot = s.now().Truncate(s.cfg.AutosaveEvery)
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	tick := s.cfg.Tick
	n := len(s.jobs)
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, supervisor.WithRestartBackoff(tick, 30*time.Second))
	s.log.Info("scheduler started", logx.Int("jobs", n), logx.Duration("tick", tick), logx.String("tz", s.loc.String()))
	return true
}

// Stop halts the loop, stops every execution within StopGrace and saves the schedule.
// It returns false if the scheduler was not running.
func (s *Service) Stop(ctx context.Context) bool {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler not running")
		return false
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler loop did not stop cleanly", logx.Err(err))
	}

	s.mu.Lock()
	s.retries = map[string]pendingRetry{}
	var execs []*engine.Execution
	for id := range s.execs {
		execs = append(execs, s.execsOfLocked(id)...)
	}
	s.mu.Unlock()

	s.stopExecutions(ctx, execs)
	if err := s.Save(); err != nil {
		s.log.Error("final schedule save failed", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Int("stopped_executions", len(execs)), logx.Duration("took", time.Since(start)))
	return true
}

// stopExecutions cancels every execution and waits for them in parallel, bounded by StopGrace.
// It returns how many finalized in time.
func (s *Service) stopExecutions(ctx context.Context, execs []*engine.Execution) int {
	if len(execs) == 0 {
		return 0
	}
	s.mu.Lock()
	grace := s.cfg.StopGrace
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var (
		g       errgroup.Group
		stopped = make([]bool, len(execs))
	)
	for i, x := range execs {
		x.Stop()
		g.Go(func() error {
			stopped[i] = x.Wait(ctx)
			if !stopped[i] {
				s.log.Warn("execution did not stop within grace; abandoning",
					logx.String("job", x.JobID), logx.String("execution", x.ID), logx.Duration("grace", grace))
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range stopped {
		if ok {
			n++
		}
	}
	return n
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
