package deps

import (
	"errors"
	"reflect"
	"testing"

	"upkeep/internal/history"
	"upkeep/internal/job"
)

func TestReady(t *testing.T) {
	t.Parallel()
	h := history.New(10)
	h.Append(job.Result{JobID: "ok", State: job.StateCompleted})
	h.Append(job.Result{JobID: "bad", State: job.StateCompleted})
	h.Append(job.Result{JobID: "bad", State: job.StateFailed})
	h.Append(job.Result{JobID: "skipped", State: job.StateSkipped})
	h.Append(job.Result{JobID: "recovered", State: job.StateFailed})
	h.Append(job.Result{JobID: "recovered", State: job.StateCompleted})

	known := map[string]bool{"ok": true, "bad": true, "skipped": true, "recovered": true, "never": true}
	r := NewResolver(h, func(id string) bool { return known[id] })

	tests := []struct {
		name string
		deps []string
		want bool
	}{
		{name: "no dependencies", deps: nil, want: true},
		{name: "completed", deps: []string{"ok"}, want: true},
		{name: "latest failed", deps: []string{"bad"}, want: false},
		{name: "latest skipped", deps: []string{"skipped"}, want: false},
		{name: "latest completed after failure", deps: []string{"recovered"}, want: true},
		{name: "never ran", deps: []string{"never"}, want: false},
		{name: "unknown job", deps: []string{"ghost"}, want: false},
		{name: "one of many blocks", deps: []string{"ok", "bad"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := r.Ready(job.Definition{ID: "x", Dependencies: tt.deps})
			if got != tt.want {
				t.Fatalf("Ready = %v (%s), want %v", got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Fatal("not ready without a reason")
			}
		})
	}
}

func TestLoadOrder(t *testing.T) {
	t.Parallel()
	graph := map[string][]string{
		"report":  {"backup", "cleanup"},
		"backup":  {"health"},
		"cleanup": {"health", "external"},
		"health":  nil,
	}
	depsOf := func(id string) []string { return graph[id] }

	got, err := LoadOrder([]string{"report", "cleanup", "backup", "health"}, depsOf)
	if err != nil {
		t.Fatalf("LoadOrder error: %v", err)
	}
	want := []string{"health", "backup", "cleanup", "report"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("LoadOrder = %v, want %v", got, want)
	}
	pos := map[string]int{}
	for i, id := range got {
		pos[id] = i
	}
	for id, ds := range graph {
		for _, d := range ds {
			if _, ok := pos[d]; ok && pos[d] > pos[id] {
				t.Fatalf("%s ordered before its dependency %s", id, d)
			}
		}
	}
}

func TestLoadOrderCycle(t *testing.T) {
	t.Parallel()
	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": nil,
	}
	_, err := LoadOrder([]string{"d", "a", "b", "c"}, func(id string) []string { return graph[id] })
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("error = %v, want ErrCyclicDependency", err)
	}
	var cerr *CyclicDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T", err)
	}
	if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(cerr.Cycle, want) {
		t.Fatalf("Cycle = %v, want %v", cerr.Cycle, want)
	}
}

func TestFindCycle(t *testing.T) {
	t.Parallel()
	graph := map[string][]string{
		"self": {"self"},
		"x":    {"y"},
		"y":    {"z"},
		"z":    nil,
		"p":    {"q"},
		"q":    {"p"},
	}
	depsOf := func(id string) []string { return graph[id] }

	if got := FindCycle("x", depsOf); got != nil {
		t.Fatalf("FindCycle(x) = %v, want nil", got)
	}
	if got := FindCycle("self", depsOf); !reflect.DeepEqual(got, []string{"self", "self"}) {
		t.Fatalf("FindCycle(self) = %v", got)
	}
	if got := FindCycle("p", depsOf); !reflect.DeepEqual(got, []string{"p", "q", "p"}) {
		t.Fatalf("FindCycle(p) = %v", got)
	}
}
