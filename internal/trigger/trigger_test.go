package trigger

import (
	"testing"
	"time"
)

func TestCronNextStrictlyAfter(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			now:  time.Date(2026, 3, 10, 10, 2, 0, 0, loc),
			want: time.Date(2026, 3, 10, 10, 5, 0, 0, loc),
		},
		{
			name: "exact boundary moves forward",
			expr: "*/5 * * * *",
			now:  time.Date(2026, 3, 10, 10, 5, 0, 0, loc),
			want: time.Date(2026, 3, 10, 10, 10, 0, 0, loc),
		},
		{
			name: "weekly sunday",
			expr: "0 2 * * 0",
			now:  time.Date(2026, 3, 10, 10, 0, 0, 0, loc), // Tuesday
			want: time.Date(2026, 3, 15, 2, 0, 0, 0, loc),
		},
		{
			name: "descriptor",
			expr: "@hourly",
			now:  time.Date(2026, 3, 10, 10, 30, 0, 0, loc),
			want: time.Date(2026, 3, 10, 11, 0, 0, 0, loc),
		},
		{
			name: "list and range",
			expr: "15,45 8-9 * * *",
			now:  time.Date(2026, 3, 10, 8, 20, 0, 0, loc),
			want: time.Date(2026, 3, 10, 8, 45, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := CronSpec(tt.expr)
			if err := s.Validate(); err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.expr, err)
			}
			got, ok := s.Next(tt.now)
			if !ok {
				t.Fatalf("Next(%v) returned none", tt.now)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
			if !got.After(tt.now) {
				t.Fatalf("Next = %v is not after %v", got, tt.now)
			}
		})
	}
}

func TestCronInvalidRejected(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "61 * * * *", "* * *", "not a cron"} {
		if err := CronSpec(expr).Validate(); err == nil {
			t.Fatalf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestIntervalNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok := IntervalSpec(90 * time.Second).Next(now)
	if !ok || !got.Equal(now.Add(90*time.Second)) {
		t.Fatalf("Next = %v (%v), want %v", got, ok, now.Add(90*time.Second))
	}

	got, ok = Spec{Type: Interval}.Next(now)
	if !ok || !got.Equal(now.Add(DefaultInterval)) {
		t.Fatalf("default interval Next = %v, want %v", got, now.Add(DefaultInterval))
	}
}

func TestOneShot(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Minute)
	got, ok := OneShotSpec(future).Next(now)
	if !ok || !got.Equal(future) {
		t.Fatalf("future oneshot Next = %v (%v), want %v", got, ok, future)
	}

	if got, ok := OneShotSpec(now.Add(-time.Second)).Next(now); ok {
		t.Fatalf("past oneshot Next = %v, want none", got)
	}
	if got, ok := OneShotSpec(now).Next(now); ok {
		t.Fatalf("oneshot at now Next = %v, want none", got)
	}
}

func TestValidateUnknownType(t *testing.T) {
	t.Parallel()
	if err := (Spec{Type: "event"}).Validate(); err == nil {
		t.Fatal("expected error for unknown trigger type")
	}
	if err := (Spec{Type: OneShot}).Validate(); err == nil {
		t.Fatal("expected error for oneshot without run_at")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	got := CronSpec("*/10 * * * *").Preview(from, 3)
	if len(got) != 3 {
		t.Fatalf("len(Preview) = %d, want 3", len(got))
	}
	want := []time.Time{
		time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 20, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if got := OneShotSpec(from.Add(time.Hour)).Preview(from, 5); len(got) != 1 {
		t.Fatalf("oneshot Preview len = %d, want 1", len(got))
	}
}
