package config

import (
	"reflect"
	"strings"

	logx "upkeep/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ between oldCfg
// and newCfg, plus log fields describing the new values. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.String("scheduler.tick", newCfg.Scheduler.Tick),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.Int("scheduler.workers", newCfg.Scheduler.Workers))
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("metrics", redactMetrics(oldCfg.Metrics), redactMetrics(newCfg.Metrics),
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
		logx.String("metrics.addr", newCfg.Metrics.Addr))
	section("notify", redactNotify(oldCfg.Notify), redactNotify(newCfg.Notify),
		logx.Bool("notify.telegram.enabled", newCfg.Notify.Telegram.Enabled),
		logx.Bool("notify.telegram.token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""))
	// Token rotation alone still counts as a notify change.
	if oldCfg.Notify.Telegram.Token != newCfg.Notify.Telegram.Token && !contains(changed, "notify") {
		changed = append(changed, "notify")
	}
	if oldCfg.Metrics.Token != newCfg.Metrics.Token && !contains(changed, "metrics") {
		changed = append(changed, "metrics")
	}
	section("monitoring", oldCfg.Monitoring, newCfg.Monitoring)
	section("backup", oldCfg.Backup, newCfg.Backup)
	section("cleanup", oldCfg.Cleanup, newCfg.Cleanup)
	section("systemd", oldCfg.Systemd, newCfg.Systemd, logx.Strings("systemd.units", newCfg.Systemd.Units))
	section("speedtest", oldCfg.Speedtest, newCfg.Speedtest)
	return changed, fields
}

func redactMetrics(m MetricsConfig) MetricsConfig {
	m.Token = ""
	return m
}

func redactNotify(n NotifyConfig) NotifyConfig {
	n.Telegram.Token = ""
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
