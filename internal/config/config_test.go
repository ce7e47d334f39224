package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "upkeep/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 2s
  workers: 4
  timezone: UTC
monitoring:
  alert_thresholds:
    cpu_percent: 85
    disk_percent: "90"
  disk_paths: ["/", "/var"]
cleanup:
  min_age: 48h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "upkeep.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.Tick != "2s" || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "upkeep.yaml", "scheduler:\n  tik: 1s\n")
	if _, err := NewConfigManager(p, logx.Nop()).Load(); err == nil || !strings.Contains(err.Error(), "tik") {
		t.Fatalf("Load error = %v, want unknown field", err)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "none.json"), logx.Nop())
	cfg, err := m.Load()
	if err != nil || cfg == nil {
		t.Fatalf("Load = %v, %v", cfg, err)
	}
	if got := cfg.Scheduler.ScheduleFileOrDefault(); got != DefaultScheduleFile {
		t.Fatalf("schedule file = %q", got)
	}
}

func TestValueLookup(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "upkeep.yaml", sampleYAML), logx.Nop()).Load()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"nested number", cfg.Float("monitoring.alert_thresholds.cpu_percent", 0), 85.0},
		{"numeric string", cfg.Float("monitoring.alert_thresholds.disk_percent", 0), 90.0},
		{"missing key", cfg.Float("monitoring.alert_thresholds.memory_percent", 80), 80.0},
		{"missing section", cfg.Value("backup.dir", "fallback"), "fallback"},
		{"through scalar", cfg.Value("logging.level.x", "def"), "def"},
		{"string", cfg.String("scheduler.timezone", ""), "UTC"},
		{"duration", cfg.Duration("cleanup.min_age", time.Hour), 48 * time.Hour},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if got := cfg.Strings("monitoring.disk_paths", nil); len(got) != 2 || got[1] != "/var" {
		t.Fatalf("Strings = %v", got)
	}
	var nilCfg *Config
	if got := nilCfg.Value("a.b", 1); got != 1 {
		t.Fatalf("nil config Value = %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad tick", Config{Scheduler: SchedulerConfig{Tick: "soon"}}, false},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, false},
		{"telegram without token", Config{Notify: NotifyConfig{Telegram: TelegramConfig{Enabled: true, ChatID: 1}}}, false},
		{"bad busy timeout", Config{Storage: &StorageConfig{Driver: "sqlite", BusyTimeout: "-1s"}}, false},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err == nil) != tt.ok {
			t.Fatalf("%s: Validate error = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Notify: NotifyConfig{Telegram: TelegramConfig{Token: "old-secret"}}}
	b := &Config{Notify: NotifyConfig{Telegram: TelegramConfig{Token: "new-secret"}}, Scheduler: SchedulerConfig{Tick: "5s"}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "scheduler,notify" {
		t.Fatalf("changed = %v", changed)
	}
	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "upkeep.json", `{"scheduler":{"workers":2}}`)
	m := NewConfigManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(p, []byte(`{"scheduler":{"tick":"bogus"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(p, []byte(`{"scheduler":{"workers":6}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Scheduler.Workers != 6 {
			t.Fatalf("published workers = %d, want 6", cfg.Scheduler.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	cancel()
	<-done
}
