package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type selects how the next occurrence of a job is computed.
type Type string

const (
	Cron     Type = "cron"
	Interval Type = "interval"
	OneShot  Type = "oneshot"
)

// DefaultInterval applies when an interval trigger carries no explicit interval.
const DefaultInterval = time.Hour

var ErrUnknownType = errors.New("unknown trigger type")

// Spec describes when a job fires.
//
// Exactly one of Cron, Interval or RunAt is meaningful depending on Type.
type Spec struct {
	Type     Type
	Cron     string
	Interval time.Duration
	RunAt    time.Time
}

// Standard five-field crontab plus @hourly/@daily/@every descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func CronSpec(expr string) Spec             { return Spec{Type: Cron, Cron: strings.TrimSpace(expr)} }
func IntervalSpec(every time.Duration) Spec { return Spec{Type: Interval, Interval: every} }
func OneShotSpec(at time.Time) Spec         { return Spec{Type: OneShot, RunAt: at} }

// Validate rejects specs that can never produce an occurrence because they are malformed.
// A one-shot in the past is valid: it simply never fires.
func (s Spec) Validate() error {
	switch s.Type {
	case Cron:
		if strings.TrimSpace(s.Cron) == "" {
			return errors.New("cron trigger requires an expression")
		}
		if _, err := parser.Parse(s.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
		return nil
	case Interval:
		if s.Interval < 0 {
			return fmt.Errorf("interval must be > 0, got %s", s.Interval)
		}
		return nil
	case OneShot:
		if s.RunAt.IsZero() {
			return errors.New("oneshot trigger requires run_at")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, string(s.Type))
	}
}

// Next returns the first occurrence strictly after now, or ok=false when there is none.
// now is interpreted in its own location; callers convert it to the scheduler timezone.
func (s Spec) Next(now time.Time) (time.Time, bool) {
	switch s.Type {
	case Cron:
		sched, err := parser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case Interval:
		every := s.Interval
		if every <= 0 {
			every = DefaultInterval
		}
		return now.Add(every), true
	case OneShot:
		if s.RunAt.After(now) {
			return s.RunAt, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Preview lists up to n upcoming occurrences after from.
// Interval specs chain from each previous occurrence.
func (s Spec) Preview(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cur := from
	for len(out) < n {
		next, ok := s.Next(cur)
		if !ok {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

func (s Spec) String() string {
	switch s.Type {
	case Cron:
		return "cron:" + s.Cron
	case Interval:
		return "every:" + s.Interval.String()
	case OneShot:
		return "at:" + s.RunAt.Format(time.RFC3339)
	default:
		return string(s.Type)
	}
}
