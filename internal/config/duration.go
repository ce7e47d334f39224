package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
// path names the config key in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every duration field so a bad reload is rejected before commit.
func (c *Config) Validate() error {
	checks := []struct{ path, raw string }{
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.stop_grace", c.Scheduler.StopGrace},
		{"scheduler.kill_grace", c.Scheduler.KillGrace},
		{"scheduler.autosave_every", c.Scheduler.AutosaveEvery},
		{"metrics.read_timeout", c.Metrics.ReadTimeout},
		{"metrics.idle_timeout", c.Metrics.IdleTimeout},
		{"notify.telegram.min_interval", c.Notify.Telegram.MinInterval},
		{"cleanup.min_age", c.Cleanup.MinAge},
		{"speedtest.timeout", c.Speedtest.Timeout},
	}
	if c.Storage != nil {
		checks = append(checks, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, ch := range checks {
		if _, err := ParseDurationField(ch.path, ch.raw); err != nil {
			return err
		}
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(c.Scheduler.Timezone)); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Notify.Telegram.Enabled && (strings.TrimSpace(c.Notify.Telegram.Token) == "" || c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("notify.telegram: token and chat_id are required when enabled")
	}
	return nil
}
