// Package builtin provides the maintenance handlers and the system jobs that
// are registered at startup.
package builtin

import (
	"time"

	"upkeep/internal/config"
	"upkeep/internal/job"
	"upkeep/internal/plugin"
	"upkeep/internal/trigger"
	logx "upkeep/pkg/logx"
)

// Handler names.
const (
	HandlerHealth    = "system.health"
	HandlerBackup    = "config.backup"
	HandlerCleanup   = "system.cleanup"
	HandlerPlugins   = "plugins.health"
	HandlerCommand   = "command"
	HandlerSpeedtest = "net.speedtest"
)

// Deps are shared by every built-in handler.
type Deps struct {
	Log logx.Logger
	// Config returns the live config; handlers read it on every run so reloads apply.
	Config  func() *config.Config
	Plugins plugin.HealthChecker
	// Sampler overrides host metrics collection (tests).
	Sampler Sampler
}

func (d Deps) cfg() *config.Config {
	if d.Config == nil {
		return nil
	}
	return d.Config()
}

// Register adds every built-in handler to reg.
func Register(reg *job.Registry, d Deps) error {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Sampler == nil {
		d.Sampler = hostSampler{}
	}
	handlers := map[string]job.Handler{
		HandlerHealth:    healthHandler{d: d},
		HandlerBackup:    backupHandler{d: d},
		HandlerCleanup:   cleanupHandler{d: d},
		HandlerPlugins:   pluginsHandler{d: d},
		HandlerCommand:   commandHandler{log: d.Log.With(logx.String("handler", HandlerCommand))},
		HandlerSpeedtest: speedtestHandler{d: d},
	}
	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the system jobs for cfg. They are never persisted.
func Definitions(cfg *config.Config, now time.Time) []job.Definition {
	sys := func(id, name, desc, handler, sched string, timeout time.Duration) job.Definition {
		spec, err := trigger.ParseSchedule(sched)
		if err != nil {
			spec = trigger.CronSpec(sched)
		}
		return job.Definition{
			ID:            id,
			Name:          name,
			Description:   desc,
			Trigger:       spec,
			Handler:       handler,
			Enabled:       true,
			MaxRetries:    1,
			RetryDelay:    time.Minute,
			Timeout:       timeout,
			MaxConcurrent: 1,
			Tags:          []string{"system"},
			CreatedAt:     now,
			BuiltIn:       true,
		}
	}
	defs := []job.Definition{
		sys("system_health_check", "System Health Check", "Sample CPU, memory, disk and load against alert thresholds",
			HandlerHealth, "*/5 * * * *", time.Minute),
		sys("config_backup", "Configuration Backup", "Archive configured paths into the backup directory",
			HandlerBackup, cfg.String("backup.schedule", "0 2 * * 0"), 30*time.Minute),
		sys("system_cleanup", "System Cleanup", "Remove stale temporary files",
			HandlerCleanup, "0 3 * * 0", 30*time.Minute),
		sys("plugin_health_check", "Plugin Health Check", "Probe registered plugins",
			HandlerPlugins, "*/10 * * * *", time.Minute),
	}
	if cfg.Bool("speedtest.enabled", false) {
		st := sys("network_speedtest", "Network Speedtest", "Measure download, upload and latency",
			HandlerSpeedtest, cfg.String("speedtest.schedule", "0 */6 * * *"), 5*time.Minute)
		st.MaxRetries = 0
		defs = append(defs, st)
	}
	return defs
}
