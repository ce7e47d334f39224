package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"upkeep/internal/job"
	"upkeep/internal/trigger"
	logx "upkeep/pkg/logx"
)

func noop() job.Handler {
	return job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) { return nil, nil })
}

func testRegistry(names ...string) *job.Registry {
	r := job.NewRegistry()
	for _, n := range names {
		r.MustRegister(n, noop())
	}
	return r
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "schedule.yaml")
	m := NewManager(path, testRegistry("command", "system.health"), logx.Nop())

	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	runAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	defs := []job.Definition{
		{
			ID: "report", Name: "Report", Trigger: trigger.CronSpec("*/5 * * * *"),
			Handler: "command", Kwargs: map[string]any{"cmd": "echo hi"},
			Dependencies: []string{"probe"}, Enabled: true, MaxRetries: 2,
			RetryDelay: 30 * time.Second, Timeout: time.Minute, MaxConcurrent: 2,
			Tags: []string{"ops", "daily"}, Metadata: map[string]any{"owner": "infra"}, CreatedAt: created,
		},
		{
			ID: "probe", Name: "Probe", Trigger: trigger.IntervalSpec(90 * time.Second),
			Handler: "system.health", Enabled: false,
		},
		{
			ID: "once", Name: "Once", Trigger: trigger.OneShotSpec(runAt),
			Handler: "command", Enabled: true, Args: []any{"a", 1},
		},
		{
			ID: "system_health_check", Name: "builtin", Trigger: trigger.CronSpec("*/5 * * * *"),
			Handler: "system.health", BuiltIn: true, Tags: []string{"system"},
		},
	}
	if err := m.Save(defs, time.Now()); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d jobs, want 3 (built-ins excluded)", len(loaded))
	}

	got := map[string]job.Definition{}
	order := map[string]int{}
	for i, l := range loaded {
		if l.LoadErr != nil || l.Handler == nil {
			t.Fatalf("job %s failed to resolve: %v", l.Definition.ID, l.LoadErr)
		}
		got[l.Definition.ID] = l.Definition
		order[l.Definition.ID] = i
	}
	if order["probe"] > order["report"] {
		t.Fatalf("dependency probe loaded after dependent report: %v", order)
	}

	for _, want := range defs[:3] {
		g, ok := got[want.ID]
		if !ok {
			t.Fatalf("job %s missing after load", want.ID)
		}
		if g.Trigger.Type != want.Trigger.Type || g.Trigger.Cron != want.Trigger.Cron ||
			g.Trigger.Interval != want.Trigger.Interval || !g.Trigger.RunAt.Equal(want.Trigger.RunAt) {
			t.Fatalf("%s trigger = %+v, want %+v", want.ID, g.Trigger, want.Trigger)
		}
		if g.Enabled != want.Enabled {
			t.Fatalf("%s enabled = %v, want %v", want.ID, g.Enabled, want.Enabled)
		}
		if len(want.Tags) > 0 && !reflect.DeepEqual(g.Tags, want.Tags) {
			t.Fatalf("%s tags = %v, want %v", want.ID, g.Tags, want.Tags)
		}
		if len(want.Dependencies) > 0 && !reflect.DeepEqual(g.Dependencies, want.Dependencies) {
			t.Fatalf("%s dependencies = %v, want %v", want.ID, g.Dependencies, want.Dependencies)
		}
	}
	r := got["report"]
	if r.MaxRetries != 2 || r.RetryDelay != 30*time.Second || r.Timeout != time.Minute || r.MaxConcurrent != 2 {
		t.Fatalf("report execution settings = %+v", r)
	}
	if !r.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %v, want %v", r.CreatedAt, created)
	}
	if r.Kwargs["cmd"] != "echo hi" || r.Metadata["owner"] != "infra" {
		t.Fatalf("payload lost: kwargs=%v metadata=%v", r.Kwargs, r.Metadata)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "none.yaml"), nil, logx.Nop())
	loaded, err := m.Load()
	if err != nil || len(loaded) != 0 {
		t.Fatalf("Load = %v, %v; want empty, nil", loaded, err)
	}
}

func TestLoadMalformedDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("jobs: [not: a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path, nil, logx.Nop()).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

const handWritten = `version: "1.0"
jobs:
  rotate:
    name: Rotate logs
    trigger_type: cron
    trigger_config:
      cron: "0 4 * * *"
    function_name: command
  ghost:
    id: ghost
    name: Ghost
    trigger_type: interval
    trigger_config:
      interval: 60
    function_name: not.registered
  broken:
    id: broken
    name: Broken
    trigger_type: event
    function_name: command
  late:
    id: late
    name: Late
    trigger_type: oneshot
    trigger_config:
      run_at: "not a time"
    function_name: command
`

func TestLoadDefaultsAndUnresolvedHandlers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte(handWritten), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := NewManager(path, testRegistry("command"), logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d jobs, want 2 (malformed skipped)", len(loaded))
	}

	byID := map[string]Loaded{}
	for _, l := range loaded {
		byID[l.Definition.ID] = l
	}

	rot, ok := byID["rotate"]
	if !ok {
		t.Fatal("record without id not keyed by map key")
	}
	d := rot.Definition
	if !d.Enabled || d.MaxRetries != DefaultMaxRetries || d.RetryDelay != DefaultRetryDelay ||
		d.Timeout != DefaultTimeout || d.MaxConcurrent != DefaultMaxConcurrent {
		t.Fatalf("defaults not applied: %+v", d)
	}

	ghost := byID["ghost"]
	if !ghost.Definition.Enabled || ghost.Handler != nil {
		t.Fatalf("unresolved job should keep enabled and have no handler: %+v", ghost)
	}
	if !errors.Is(ghost.LoadErr, job.ErrUnknownHandler) || !strings.Contains(ghost.LoadErr.Error(), "not.registered") {
		t.Fatalf("LoadErr = %v", ghost.LoadErr)
	}
	if ghost.Definition.Trigger.Interval != time.Minute {
		t.Fatalf("interval = %v, want 1m", ghost.Definition.Trigger.Interval)
	}
}

func TestExpandHome(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/.upkeep/schedule.yaml"); got != filepath.Join(home, ".upkeep/schedule.yaml") {
		t.Fatalf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/etc/upkeep.yaml"); got != "/etc/upkeep.yaml" {
		t.Fatalf("ExpandHome changed absolute path: %q", got)
	}
}
