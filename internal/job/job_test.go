package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"upkeep/internal/trigger"
)

func validDef() Definition {
	return Definition{
		ID:      "backup",
		Name:    "Nightly backup",
		Trigger: trigger.CronSpec("0 2 * * *"),
		Handler: "config.backup",
		Enabled: true,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr string
	}{
		{name: "valid", mutate: func(d *Definition) {}},
		{name: "missing id", mutate: func(d *Definition) { d.ID = "" }, wantErr: "id is required"},
		{name: "missing name", mutate: func(d *Definition) { d.Name = "" }, wantErr: "name is required"},
		{name: "missing handler", mutate: func(d *Definition) { d.Handler = "" }, wantErr: "handler is required"},
		{name: "negative retries", mutate: func(d *Definition) { d.MaxRetries = -1 }, wantErr: "maxretries must be >= 0"},
		{name: "negative timeout", mutate: func(d *Definition) { d.Timeout = -time.Second }, wantErr: "timeout must be >= 0"},
		{name: "empty dependency", mutate: func(d *Definition) { d.Dependencies = []string{""} }, wantErr: "is required"},
		{name: "bad cron", mutate: func(d *Definition) { d.Trigger = trigger.CronSpec("nope") }, wantErr: "trigger:"},
		{name: "unknown trigger", mutate: func(d *Definition) { d.Trigger = trigger.Spec{Type: "event"} }, wantErr: "unknown trigger type"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := validDef()
			tt.mutate(&d)
			err := Validate(d)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate = nil, want error containing %q", tt.wantErr)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, inv Invocation) (any, error) { return inv.JobID, nil })

	if err := r.Register("b.second", h); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := r.Register("a.first", h); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := r.Register("a.first", h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("duplicate Register error = %v, want ErrHandlerExists", err)
	}
	if err := r.Register(" ", h); err == nil {
		t.Fatal("expected error for empty name")
	}

	got, ok := r.Lookup("a.first")
	if !ok {
		t.Fatal("Lookup(a.first) not found")
	}
	v, err := got.Run(context.Background(), Invocation{JobID: "j1"})
	if err != nil || v != "j1" {
		t.Fatalf("Run = %v, %v; want j1, nil", v, err)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) found a handler")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "a.first" || names[1] != "b.second" {
		t.Fatalf("Names = %v", names)
	}
}

func TestCloneDoesNotShare(t *testing.T) {
	t.Parallel()
	d := validDef()
	d.Tags = []string{"x"}
	d.Kwargs = map[string]any{"k": 1}
	cp := d.Clone()
	cp.Tags[0] = "y"
	cp.Kwargs["k"] = 2
	if d.Tags[0] != "x" || d.Kwargs["k"] != 1 {
		t.Fatalf("Clone shares storage: %+v", d)
	}
	if d.Concurrency() != 1 {
		t.Fatalf("Concurrency = %d, want 1", d.Concurrency())
	}
}
