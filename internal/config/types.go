package config

import (
	"strings"
)

// Config is the daemon configuration document.
//
// Durations are Go duration strings ("500ms", "15m"). Omitted fields take the
// defaults documented on each section.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Metrics    MetricsConfig    `json:"metrics"`
	Notify     NotifyConfig     `json:"notify"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Backup     BackupConfig     `json:"backup"`
	Cleanup    CleanupConfig    `json:"cleanup"`
	Systemd    SystemdConfig    `json:"systemd"`
	Speedtest  SpeedtestConfig  `json:"speedtest"`

	// raw is the decoded document, kept for dot-path lookups.
	raw map[string]any
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler loop.
//
// Defaults: tick 1s, workers 8, stop_grace 5s, kill_grace 5s, autosave_every 15m,
// history_size 100, schedule_file ~/.upkeep/schedule.yaml.
type SchedulerConfig struct {
	Tick          string `json:"tick,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	StopGrace     string `json:"stop_grace,omitempty"`
	KillGrace     string `json:"kill_grace,omitempty"`
	AutosaveEvery string `json:"autosave_every,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	ScheduleFile  string `json:"schedule_file,omitempty"`
}

// DefaultScheduleFile is used when scheduler.schedule_file is empty.
const DefaultScheduleFile = "~/.upkeep/schedule.yaml"

func (s SchedulerConfig) ScheduleFileOrDefault() string {
	if p := strings.TrimSpace(s.ScheduleFile); p != "" {
		return p
	}
	return DefaultScheduleFile
}

// StorageConfig selects the durable execution-history sink.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/upkeep/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	SeedLimit   int    `json:"seed_limit,omitempty"`   // results per job loaded at startup; default 100
}

// MetricsConfig controls the HTTP observability server (/metrics, /status, /healthz, pprof).
//
// Prefer a loopback address. Token, when set, is required as a bearer token.
type MetricsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default 127.0.0.1:9467
	Pprof       bool   `json:"pprof,omitempty"`
	Token       string `json:"token,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig sends failure alerts to one chat.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// MinInterval spaces consecutive alerts; Burst allows short bursts. Defaults 10s / 3.
	MinInterval string `json:"min_interval,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	// States lists result states that alert. Default: failed.
	States []string `json:"states,omitempty"`
}

type MonitoringConfig struct {
	AlertThresholds AlertThresholds `json:"alert_thresholds"`
	DiskPaths       []string        `json:"disk_paths,omitempty"` // default: /
}

// AlertThresholds are percentages except Load1, which is per-CPU load average.
type AlertThresholds struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	Load1         float64 `json:"load1,omitempty"`
}

type BackupConfig struct {
	Schedule string   `json:"schedule,omitempty"` // default "0 2 * * 0"
	Dir      string   `json:"dir,omitempty"`
	Paths    []string `json:"paths,omitempty"`
	Keep     int      `json:"keep,omitempty"`
}

type CleanupConfig struct {
	Dirs    []string `json:"dirs,omitempty"`
	Pattern string   `json:"pattern,omitempty"` // default "tmp*"
	MinAge  string   `json:"min_age,omitempty"` // default 24h
}

type SystemdConfig struct {
	Notify bool     `json:"notify"`
	Units  []string `json:"units,omitempty"`
}

type SpeedtestConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty"` // default "0 */6 * * *"
	SavingMode bool   `json:"saving_mode,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}
