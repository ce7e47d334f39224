package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"upkeep/internal/deps"
	"upkeep/internal/engine"
	"upkeep/internal/eventbus"
	"upkeep/internal/history"
	"upkeep/internal/job"
	"upkeep/internal/persist"
	"upkeep/internal/trigger"
	logx "upkeep/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, handlers map[string]job.Handler, extra ...func(*Deps)) *Service {
	t.Helper()
	reg := job.NewRegistry()
	for name, h := range handlers {
		reg.MustRegister(name, h)
	}
	d := Deps{Log: logx.Nop(), Registry: reg}
	for _, f := range extra {
		f(&d)
	}
	if cfg.Tick == 0 {
		cfg.Tick = 5 * time.Millisecond
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 200 * time.Millisecond
	}
	s := New(cfg, d)
	t.Cleanup(func() {
		if s.Running() {
			s.Stop(context.Background())
		}
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func counting(n *atomic.Int64) job.Handler {
	return job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		n.Add(1)
		return n.Load(), nil
	})
}

func blocking(started chan<- string) job.Handler {
	return job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		started <- inv.ExecutionID
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func def(id, handler string, spec trigger.Spec) job.Definition {
	return job.Definition{ID: id, Name: id, Trigger: spec, Handler: handler, Enabled: true}
}

func TestIntervalJobRunsRepeatedly(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	s := newTestService(t, Config{}, map[string]job.Handler{"count": counting(&n)})
	if err := s.AddJob(def("tick", "count", trigger.IntervalSpec(10*time.Millisecond))); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	s.Start(context.Background())

	waitFor(t, 2*time.Second, "three completions", func() bool {
		return len(s.History("tick", 0)) >= 3
	})
	for _, r := range s.History("tick", 0) {
		if r.State != job.StateCompleted || r.Attempt != 1 || r.EndTime.Before(r.StartTime) {
			t.Fatalf("result = %+v", r)
		}
	}
	st, _ := s.Status("tick")
	if st.LastRun == nil || st.NextRun == nil || !st.NextRun.After(*st.LastRun) {
		t.Fatalf("status run times = %v / %v", st.LastRun, st.NextRun)
	}
}

func TestMaxConcurrentPreventsOverlap(t *testing.T) {
	t.Parallel()
	var cur, peak, runs atomic.Int64
	slow := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		c := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	})
	s := newTestService(t, Config{}, map[string]job.Handler{"slow": slow})
	d := def("slow", "slow", trigger.IntervalSpec(time.Millisecond))
	d.MaxConcurrent = 1
	if err := s.AddJob(d); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	waitFor(t, 2*time.Second, "several runs", func() bool { return runs.Load() >= 3 })
	s.Stop(context.Background())

	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
}

func TestAtCapacityJobStaysDue(t *testing.T) {
	t.Parallel()
	started := make(chan string, 4)
	s := newTestService(t, Config{}, map[string]job.Handler{"block": blocking(started)})
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	if err := s.AddJob(def("b", "block", trigger.IntervalSpec(time.Minute))); err != nil {
		t.Fatal(err)
	}

	s.pass(t0.Add(time.Minute))
	<-started
	first, _ := s.Definition("b")
	if want := t0.Add(2 * time.Minute); !first.NextRun.Equal(want) {
		t.Fatalf("NextRun after admission = %v, want %v", first.NextRun, want)
	}

	s.pass(t0.Add(3 * time.Minute))
	second, _ := s.Definition("b")
	if !second.NextRun.Equal(first.NextRun) {
		t.Fatalf("NextRun advanced while at capacity: %v -> %v", first.NextRun, second.NextRun)
	}
	select {
	case id := <-started:
		t.Fatalf("second execution %s admitted while at capacity", id)
	default:
	}
	if !s.StopJob("b") {
		t.Fatal("StopJob = false, want true")
	}
}

func TestDependencyNotReadySkipsAndAdvances(t *testing.T) {
	t.Parallel()
	hist := history.New(0)
	var ran atomic.Int64
	s := newTestService(t, Config{}, map[string]job.Handler{"count": counting(&ran)},
		func(d *Deps) { d.History = hist })
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	upstream := def("a", "count", trigger.IntervalSpec(time.Hour))
	upstream.Enabled = false
	if err := s.AddJob(upstream); err != nil {
		t.Fatal(err)
	}
	down := def("b", "count", trigger.IntervalSpec(time.Hour))
	down.Dependencies = []string{"a"}
	if err := s.AddJob(down); err != nil {
		t.Fatal(err)
	}

	// No history for a.
	s.pass(t0.Add(time.Hour))
	// Failed last result for a.
	hist.Append(job.Result{JobID: "a", ExecutionID: "x", Attempt: 1, State: job.StateFailed, StartTime: t0, EndTime: t0})
	s.pass(t0.Add(2 * time.Hour))

	if ran.Load() != 0 {
		t.Fatalf("dependent ran %d times, want 0", ran.Load())
	}
	got, _ := s.Definition("b")
	if want := t0.Add(3 * time.Hour); !got.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, want)
	}
	h := s.History("b", 0)
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2 skipped", len(h))
	}
	for _, r := range h {
		if r.State != job.StateSkipped || r.ErrorKind != job.KindDependency || r.Attempt != 0 || r.Error == "" {
			t.Fatalf("skipped result = %+v", r)
		}
	}
}

func TestPastOneShotNeverRuns(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	s := newTestService(t, Config{}, map[string]job.Handler{"count": counting(&n)})
	if err := s.AddJob(def("late", "count", trigger.OneShotSpec(time.Now().Add(-time.Minute)))); err != nil {
		t.Fatal(err)
	}
	st, ok := s.Status("late")
	if !ok || st.NextRun != nil {
		t.Fatalf("status = %+v, want nil next run", st)
	}
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("past one-shot ran %d times", n.Load())
	}
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	var good atomic.Int64
	s := newTestService(t, Config{}, map[string]job.Handler{
		"good": counting(&good),
		"bad": job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
			return nil, errors.New("disk on fire")
		}),
		"boom": job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
			panic("boom")
		}),
	})
	for _, d := range []job.Definition{
		def("good", "good", trigger.IntervalSpec(10*time.Millisecond)),
		def("bad", "bad", trigger.IntervalSpec(time.Hour)),
		def("boom", "boom", trigger.IntervalSpec(time.Hour)),
	} {
		if err := s.AddJob(d); err != nil {
			t.Fatal(err)
		}
	}
	s.Start(context.Background())
	for _, id := range []string{"bad", "boom"} {
		if _, err := s.RunNow(id); err != nil {
			t.Fatalf("RunNow(%s) error: %v", id, err)
		}
	}
	waitFor(t, 2*time.Second, "failures recorded", func() bool {
		return len(s.History("bad", 0)) >= 1 && len(s.History("boom", 0)) >= 1
	})
	before := good.Load()
	waitFor(t, 2*time.Second, "good job to keep running", func() bool { return good.Load() >= before+3 })

	bad := s.History("bad", 0)[0]
	if bad.State != job.StateFailed || bad.ErrorKind != job.KindError || bad.Error != "disk on fire" {
		t.Fatalf("bad result = %+v", bad)
	}
	boom := s.History("boom", 0)[0]
	if boom.State != job.StateFailed || boom.ErrorKind != job.KindPanic {
		t.Fatalf("boom result = %+v", boom)
	}
}

func TestRemoveJobStopsRunningExecutions(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	finished := make(chan error, 1)
	h := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		started <- inv.ExecutionID
		<-ctx.Done()
		finished <- context.Cause(ctx)
		return nil, ctx.Err()
	})
	s := newTestService(t, Config{}, map[string]job.Handler{"block": h})
	if err := s.AddJob(def("long", "block", trigger.IntervalSpec(time.Hour))); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if _, err := s.RunNow("long"); err != nil {
		t.Fatal(err)
	}
	<-started

	if !s.RemoveJob("long") {
		t.Fatal("RemoveJob = false, want true")
	}
	select {
	case cause := <-finished:
		if !errors.Is(cause, engine.ErrStopRequested) {
			t.Fatalf("cancel cause = %v, want stop request", cause)
		}
	default:
		t.Fatal("execution still running after RemoveJob returned")
	}
	if _, ok := s.Status("long"); ok {
		t.Fatal("job still present after RemoveJob")
	}
	if s.RemoveJob("long") {
		t.Fatal("second RemoveJob = true, want false")
	}
}

func TestStopCancelsExecutions(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	s := newTestService(t, Config{}, map[string]job.Handler{"block": blocking(started)})
	if err := s.AddJob(def("long", "block", trigger.IntervalSpec(time.Hour))); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if _, err := s.RunNow("long"); err != nil {
		t.Fatal(err)
	}
	<-started
	if !s.Stop(context.Background()) {
		t.Fatal("Stop = false, want true")
	}
	h := s.History("long", 0)
	if len(h) != 1 || h[0].State != job.StateCancelled {
		t.Fatalf("history = %+v, want one cancelled result", h)
	}
}

func TestStartStopTwice(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{}, nil)
	if !s.Start(context.Background()) {
		t.Fatal("first Start = false")
	}
	if s.Start(context.Background()) {
		t.Fatal("second Start = true, want false")
	}
	if !s.Stop(context.Background()) {
		t.Fatal("first Stop = false")
	}
	if s.Stop(context.Background()) {
		t.Fatal("second Stop = true, want false")
	}
	if _, err := s.RunNow("any"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("RunNow while stopped error = %v, want ErrNotRunning", err)
	}
}

func TestRetriesFailedAttempts(t *testing.T) {
	t.Parallel()
	fail := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		return nil, errors.New("flaky")
	})
	perm := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		return nil, engine.NoRetry(errors.New("bad config"))
	})
	bus := eventbus.New()
	retries, unsub := bus.Subscribe(16, EventRetryScheduled)
	defer unsub()

	s := newTestService(t, Config{}, map[string]job.Handler{"fail": fail, "perm": perm},
		func(d *Deps) { d.Bus = bus })
	d := def("flaky", "fail", trigger.IntervalSpec(time.Hour))
	d.MaxRetries = 2
	d.RetryDelay = time.Millisecond
	p := def("perm", "perm", trigger.IntervalSpec(time.Hour))
	p.MaxRetries = 5
	for _, x := range []job.Definition{d, p} {
		if err := s.AddJob(x); err != nil {
			t.Fatal(err)
		}
	}
	s.Start(context.Background())
	for _, id := range []string{"flaky", "perm"} {
		if _, err := s.RunNow(id); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, "three attempts", func() bool { return len(s.History("flaky", 0)) >= 3 })
	time.Sleep(30 * time.Millisecond)

	h := s.History("flaky", 0)
	if len(h) != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + MaxRetries)", len(h))
	}
	for i, r := range h {
		if r.Attempt != i+1 || r.State != job.StateFailed {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if n := len(s.History("perm", 0)); n != 1 {
		t.Fatalf("NoRetry job ran %d times, want 1", n)
	}
	if got := len(retries); got != 2 {
		t.Fatalf("retry events = %d, want 2", got)
	}
}

func TestAddJobRejections(t *testing.T) {
	t.Parallel()
	noop := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) { return nil, nil })
	s := newTestService(t, Config{}, map[string]job.Handler{"noop": noop})
	every := trigger.IntervalSpec(time.Hour)

	a := def("a", "noop", every)
	a.Dependencies = []string{"b"}
	if err := s.AddJob(a); err != nil {
		t.Fatalf("AddJob(a) error: %v", err)
	}

	b := def("b", "noop", every)
	b.Dependencies = []string{"a"}
	self := def("self", "noop", every)
	self.Dependencies = []string{"self"}

	cases := []struct {
		name  string
		def   job.Definition
		check func(error) bool
	}{
		{"cycle", b, func(err error) bool { return errors.Is(err, deps.ErrCyclicDependency) }},
		{"self dependency", self, func(err error) bool { return errors.Is(err, deps.ErrCyclicDependency) }},
		{"duplicate", def("a", "noop", every), func(err error) bool { return errors.Is(err, ErrDuplicateJob) }},
		{"unknown handler", def("c", "missing", every), func(err error) bool { return errors.Is(err, job.ErrUnknownHandler) }},
		{"invalid", def("", "noop", trigger.CronSpec("not cron")), func(err error) bool {
			var ve *job.ValidationError
			return errors.As(err, &ve) && len(ve.Problems) == 3
		}},
	}
	for _, tc := range cases {
		err := s.AddJob(tc.def)
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: AddJob error = %v", tc.name, err)
		}
	}
	if got := len(s.Statuses()); got != 1 {
		t.Fatalf("job table size = %d, want 1", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	noop := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) { return nil, nil })
	handlers := map[string]job.Handler{"noop": noop}
	withPersist := func(d *Deps) { d.Persist = persist.NewManager(path, d.Registry, logx.Nop()) }

	src := newTestService(t, Config{}, handlers, withPersist)
	a := def("a", "noop", trigger.CronSpec("*/5 * * * *"))
	a.Tags = []string{"ops"}
	b := def("b", "noop", trigger.IntervalSpec(90*time.Second))
	b.Dependencies = []string{"a"}
	b.Enabled = false
	sys := def("sys", "noop", trigger.CronSpec("@daily"))
	sys.BuiltIn = true
	for _, d := range []job.Definition{a, b, sys} {
		if err := src.AddJob(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	dst := newTestService(t, Config{}, handlers, withPersist)
	if err := dst.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	got := dst.Definitions()
	if len(got) != 2 {
		t.Fatalf("loaded %d jobs, want 2", len(got))
	}
	if got[0].ID != "a" || got[0].Trigger.Cron != "*/5 * * * *" || !got[0].Enabled || !got[0].HasTag("ops") {
		t.Fatalf("a = %+v", got[0])
	}
	if got[1].ID != "b" || got[1].Enabled || got[1].Trigger.Interval != 90*time.Second ||
		len(got[1].Dependencies) != 1 || got[1].Dependencies[0] != "a" {
		t.Fatalf("b = %+v", got[1])
	}
	if got[1].NextRun != (time.Time{}) {
		t.Fatalf("disabled job NextRun = %v, want zero", got[1].NextRun)
	}
}

func TestDisableEnable(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	s := newTestService(t, Config{}, map[string]job.Handler{"count": counting(&n)})
	if err := s.AddJob(def("j", "count", trigger.CronSpec("@hourly"))); err != nil {
		t.Fatal(err)
	}
	if !s.DisableJob("j") {
		t.Fatal("DisableJob = false")
	}
	if st, _ := s.Status("j"); st.Enabled || st.NextRun != nil {
		t.Fatalf("disabled status = %+v", st)
	}
	if !s.EnableJob("j") {
		t.Fatal("EnableJob = false")
	}
	if st, _ := s.Status("j"); !st.Enabled || st.NextRun == nil {
		t.Fatalf("enabled status = %+v", st)
	}
	if s.EnableJob("nope") || s.DisableJob("nope") || s.StopJob("nope") {
		t.Fatal("operations on unknown job returned true")
	}
}

func TestRemovedJobIgnoresLateResult(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	stubborn := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	bus := eventbus.New()
	finished, unsub := bus.Subscribe(4, EventJobFinished)
	defer unsub()

	s := newTestService(t, Config{StopGrace: 50 * time.Millisecond, KillGrace: 150 * time.Millisecond},
		map[string]job.Handler{"stubborn": stubborn}, func(d *Deps) { d.Bus = bus })
	if err := s.AddJob(def("a", "stubborn", trigger.IntervalSpec(time.Hour))); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if _, err := s.RunNow("a"); err != nil {
		t.Fatal(err)
	}
	<-started
	if !s.RemoveJob("a") {
		t.Fatal("RemoveJob = false")
	}

	select {
	case ev := <-finished:
		if r := ev.Data.(job.Result); r.JobID != "a" || r.State != job.StateCancelled {
			t.Fatalf("late result = %+v, want cancelled for a", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("detached execution never finalized")
	}
	if n := len(s.History("a", 0)); n != 0 {
		t.Fatalf("history of removed job = %d results, want 0", n)
	}

	if err := s.AddJob(def("a", "stubborn", trigger.IntervalSpec(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if n := len(s.History("a", 0)); n != 0 {
		t.Fatalf("re-added job inherited %d results", n)
	}
}

func TestUnresolvedHandlerKeepsEnabledOnSave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	body := `version: "1.0"
jobs:
  plug:
    id: plug
    name: Plug
    trigger_type: interval
    trigger_config: {interval: 60}
    function_name: plugin.missing
    enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	withPersist := func(d *Deps) { d.Persist = persist.NewManager(path, d.Registry, logx.Nop()) }

	s := newTestService(t, Config{}, nil, withPersist)
	if err := s.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	st, ok := s.Status("plug")
	if !ok || st.Enabled || st.NextRun != nil || st.LoadError == "" || st.State != "disabled (load error)" {
		t.Fatalf("status = %+v", st)
	}
	if s.EnableJob("plug") {
		t.Fatal("EnableJob succeeded without a handler")
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc persist.File
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if rec, ok := doc.Jobs["plug"]; !ok || !rec.Enabled || rec.FunctionName != "plugin.missing" {
		t.Fatalf("saved record = %+v (present %v)", rec, ok)
	}

	// Once the handler is registered again the job runs as before.
	noop := job.HandlerFunc(func(ctx context.Context, inv job.Invocation) (any, error) { return nil, nil })
	back := newTestService(t, Config{}, map[string]job.Handler{"plugin.missing": noop}, withPersist)
	if err := back.Load(); err != nil {
		t.Fatal(err)
	}
	if st, _ := back.Status("plug"); !st.Enabled || st.NextRun == nil || st.LoadError != "" {
		t.Fatalf("restored status = %+v", st)
	}
}
