package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"upkeep/internal/builtin"
	"upkeep/internal/config"
	"upkeep/internal/eventbus"
	"upkeep/internal/history"
	"upkeep/internal/job"
	"upkeep/internal/metrics"
	"upkeep/internal/notifier"
	"upkeep/internal/observability/httpd"
	"upkeep/internal/persist"
	"upkeep/internal/plugin"
	systemdplugin "upkeep/internal/plugin/systemd"
	"upkeep/internal/runtime/supervisor"
	"upkeep/internal/scheduler"
	"upkeep/internal/storage"
	logx "upkeep/pkg/logx"
)

// App wires the daemon: config, logging, durable history, the scheduler and
// its observers (metrics, alerts, HTTP).
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	sched   *scheduler.Service
	plugins *plugin.PluginManager
	units   *systemdplugin.Plugin
	metrics *metrics.Collector
	notif   *notifier.Service
	httpd   *httpd.Service
	sd      sdNotify

	// fixedSender, when set, is never replaced by a configured Telegram sender.
	fixedSender notifier.Sender

	startedAt time.Time
}

type options struct {
	sender  notifier.Sender
	sampler builtin.Sampler
}

type Option func(*options)

// WithSender replaces the Telegram sender for alerts.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

// WithSampler replaces host metrics sampling for the health check job.
func WithSampler(s builtin.Sampler) Option { return func(o *options) { o.sampler = s } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	hist := history.New(cfg.Scheduler.HistorySize)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		seedHistory(store, hist, seedLimit(cfg), log)
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	pm := plugin.NewManager(root)
	units := systemdplugin.New(cfg.Systemd.Units, root)
	if err := pm.Register(units); err != nil {
		return nil, err
	}

	reg := job.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{
		Log:     root.With(logx.String("comp", "builtin")),
		Config:  cfgm.Get,
		Plugins: pm,
		Sampler: o.sampler,
	}); err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Log:      root.With(logx.String("comp", "scheduler")),
		Bus:      bus,
		Registry: reg,
		Persist:  persist.NewManager(cfg.Scheduler.ScheduleFileOrDefault(), reg, root.With(logx.String("comp", "persist"))),
		History:  hist,
	})

	ncfg, tcfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender := o.sender
	if sender == nil && ncfg.Enabled {
		tg, err := notifier.NewTelegram(tcfg)
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		sender = tg
	}

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		bus:         bus,
		store:       store,
		sched:       sched,
		plugins:     pm,
		units:       units,
		metrics:     metrics.New(bus.Dropped),
		notif:       notifier.New(ncfg, sender, root, bus, store),
		fixedSender: o.sender,
		sd:          sdNotify{enabled: cfg.Systemd.Notify && os.Getenv("NOTIFY_SOCKET") != "", log: root.With(logx.String("comp", "systemd"))},
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.httpd = httpd.New(hcfg, httpd.Sources{
		Metrics: a.metrics.Handler(),
		Status:  func() any { return a.Status() },
		Ready:   sched.Running,
	}, root)

	for _, d := range builtin.Definitions(cfg, time.Now()) {
		if err := sched.AddJob(d); err != nil {
			log.Warn("built-in job not added", logx.String("job", d.ID), logx.Err(err))
		}
	}
	if err := sched.Load(); err != nil {
		log.Warn("schedule not loaded; continuing with built-in jobs", logx.Err(err))
	}

	return a, nil
}

// seedHistory preloads recent durable results so dependency checks survive restarts.
func seedHistory(st storage.Store, hist *history.Store, perJob int, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := st.Recent(ctx, perJob)
	if err != nil {
		log.Warn("history seed failed; starting empty", logx.Err(err))
		return
	}
	hist.Seed(results)
	log.Debug("history seeded", logx.Int("results", len(results)))
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Observers subscribe here, before the scheduler can publish.
	if a.store != nil {
		a.sup.Go("storage.recorder", storage.Recorder(a.bus, a.store, a.log.With(logx.String("comp", "recorder"))))
	}
	a.sup.Go("metrics.collect", a.metrics.Attach(a.bus, a.log.With(logx.String("comp", "metrics"))))

	a.notif.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.httpd.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.GoRestart("systemd.watchdog", func(c context.Context) error {
		return a.sd.watchdog(c, a.sched.Running)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sd.ready()
	a.log.Info("app started", logx.Int("jobs", len(a.sched.Definitions())))
	return nil
}

// Status is what /status renders.
type Status struct {
	StartedAt time.Time                `json:"started_at"`
	Uptime    string                   `json:"uptime"`
	Scheduler scheduler.Snapshot       `json:"scheduler"`
	Plugins   map[string]plugin.Health `json:"plugins,omitempty"`
	Alerts    []notifier.HistoryItem   `json:"alerts,omitempty"`
	App       supervisor.Snapshot      `json:"app"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt: a.startedAt,
		Scheduler: a.sched.Snapshot(),
		Plugins:   a.plugins.Last(),
		Alerts:    a.notif.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if a.sup != nil {
		st.App = a.sup.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Step bounds never extend the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("stop step panicked", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(c)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler stops first so its final results reach the recorder and notifier.
	step("scheduler", 15*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("httpd", 2*time.Second, a.httpd.Stop)
	step("notifier", 3*time.Second, a.notif.Stop)

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	})

	a.units.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
