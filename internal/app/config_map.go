package app

import (
	"fmt"
	"strings"
	"time"

	"upkeep/internal/config"
	"upkeep/internal/job"
	"upkeep/internal/notifier"
	"upkeep/internal/observability/httpd"
	"upkeep/internal/persist"
	"upkeep/internal/scheduler"
	"upkeep/internal/storage"
	logx "upkeep/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    persist.ExpandHome(cfg.Logging.File.Path),
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Workers:     sc.Workers,
		Timezone:    strings.TrimSpace(sc.Timezone),
		HistorySize: sc.HistorySize,
	}
	var err error
	if out.Tick, err = config.ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		return scheduler.Config{}, err
	}
	if out.StopGrace, err = config.ParseDurationField("scheduler.stop_grace", sc.StopGrace); err != nil {
		return scheduler.Config{}, err
	}
	if out.KillGrace, err = config.ParseDurationField("scheduler.kill_grace", sc.KillGrace); err != nil {
		return scheduler.Config{}, err
	}
	if out.AutosaveEvery, err = config.ParseDurationField("scheduler.autosave_every", sc.AutosaveEvery); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// mapStorageConfig reports enabled=false for a missing section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := persist.ExpandHome(strings.TrimSpace(sc.Path))
	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func seedLimit(cfg *config.Config) int {
	if cfg.Storage != nil && cfg.Storage.SeedLimit > 0 {
		return cfg.Storage.SeedLimit
	}
	return 100
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.TelegramConfig, error) {
	tc := cfg.Notify.Telegram
	minInterval, err := config.ParseDurationField("notify.telegram.min_interval", tc.MinInterval)
	if err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, err
	}
	var states []job.State
	for _, s := range tc.States {
		st := job.State(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case job.StateFailed, job.StateCompleted, job.StateCancelled, job.StateSkipped:
			states = append(states, st)
		default:
			return notifier.Config{}, notifier.TelegramConfig{}, fmt.Errorf("notify.telegram.states: unknown state %q", s)
		}
	}
	nc := notifier.Config{
		Enabled:      tc.Enabled,
		MinInterval:  minInterval,
		Burst:        tc.Burst,
		RetryMax:     3,
		DedupWindow:  15 * time.Minute,
		PersistDedup: cfg.Storage != nil,
		States:       states,
	}
	return nc, notifier.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	mc := cfg.Metrics
	out := httpd.Config{
		Enabled: mc.Enabled,
		Addr:    strings.TrimSpace(mc.Addr),
		Token:   strings.TrimSpace(mc.Token),
		Pprof:   mc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = httpd.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, time.Minute); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}

// validate runs every mapping so a reload that would not apply is rejected before commit.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
