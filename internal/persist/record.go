package persist

import (
	"fmt"
	"math"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"upkeep/internal/job"
	"upkeep/internal/trigger"
)

// FormatVersion is written into every schedule file.
const FormatVersion = "1.0"

// Defaults for fields missing from a record.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 300 * time.Second
	DefaultTimeout       = 3600 * time.Second
	DefaultMaxConcurrent = 1
)

// File is the on-disk schedule document.
type File struct {
	Version   string            `yaml:"version"`
	Timestamp string            `yaml:"timestamp"`
	Jobs      map[string]Record `yaml:"jobs"`
}

// TriggerConfig holds the trigger-specific settings. Interval is in seconds.
type TriggerConfig struct {
	Cron     string  `yaml:"cron,omitempty"`
	Interval float64 `yaml:"interval,omitempty"`
	RunAt    string  `yaml:"run_at,omitempty"`
}

// Record is one job in the schedule file. Durations are seconds.
type Record struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	TriggerType   string         `yaml:"trigger_type"`
	TriggerConfig TriggerConfig  `yaml:"trigger_config"`
	FunctionName  string         `yaml:"function_name"`
	Args          []any          `yaml:"args"`
	Kwargs        map[string]any `yaml:"kwargs"`
	Dependencies  []string       `yaml:"dependencies"`
	Enabled       bool           `yaml:"enabled"`
	MaxRetries    int            `yaml:"max_retries"`
	RetryDelay    float64        `yaml:"retry_delay"`
	Timeout       float64        `yaml:"timeout"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	Tags          []string       `yaml:"tags"`
	Metadata      map[string]any `yaml:"metadata"`
	CreatedAt     string         `yaml:"created_at"`
}

func defaultRecord() Record {
	return Record{
		Enabled:       true,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay.Seconds(),
		Timeout:       DefaultTimeout.Seconds(),
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

// UnmarshalYAML fills absent fields with defaults.
func (r *Record) UnmarshalYAML(n *yaml.Node) error {
	type plain Record
	p := plain(defaultRecord())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

// RecordFrom converts a definition into its persisted form.
func RecordFrom(d job.Definition) Record {
	r := Record{
		ID:            d.ID,
		Name:          d.Name,
		Description:   d.Description,
		TriggerType:   string(d.Trigger.Type),
		FunctionName:  d.Handler,
		Args:          nonNilSlice(d.Args),
		Kwargs:        nonNilMap(d.Kwargs),
		Dependencies:  append([]string{}, d.Dependencies...),
		Enabled:       d.Enabled,
		MaxRetries:    d.MaxRetries,
		RetryDelay:    d.RetryDelay.Seconds(),
		Timeout:       d.Timeout.Seconds(),
		MaxConcurrent: d.Concurrency(),
		Tags:          append([]string{}, d.Tags...),
		Metadata:      nonNilMap(d.Metadata),
	}
	if !d.CreatedAt.IsZero() {
		r.CreatedAt = d.CreatedAt.Format(time.RFC3339Nano)
	}
	switch d.Trigger.Type {
	case trigger.Cron:
		r.TriggerConfig.Cron = d.Trigger.Cron
	case trigger.Interval:
		r.TriggerConfig.Interval = d.Trigger.Interval.Seconds()
	case trigger.OneShot:
		r.TriggerConfig.RunAt = d.Trigger.RunAt.Format(time.RFC3339Nano)
	}
	return r
}

// Definition converts a record back. key is the map key the record was stored under
// and stands in for a missing id.
func (r Record) Definition(key string) (job.Definition, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = strings.TrimSpace(key)
	}
	d := job.Definition{
		ID:            id,
		Name:          r.Name,
		Description:   r.Description,
		Handler:       r.FunctionName,
		Args:          r.Args,
		Kwargs:        r.Kwargs,
		Dependencies:  r.Dependencies,
		Enabled:       r.Enabled,
		MaxRetries:    r.MaxRetries,
		RetryDelay:    seconds(r.RetryDelay),
		Timeout:       seconds(r.Timeout),
		MaxConcurrent: r.MaxConcurrent,
		Tags:          r.Tags,
		Metadata:      r.Metadata,
	}
	if r.CreatedAt != "" {
		t, err := parseTime(r.CreatedAt)
		if err != nil {
			return job.Definition{}, fmt.Errorf("created_at: %w", err)
		}
		d.CreatedAt = t
	}

	switch trigger.Type(strings.ToLower(strings.TrimSpace(r.TriggerType))) {
	case trigger.Cron:
		d.Trigger = trigger.CronSpec(r.TriggerConfig.Cron)
	case trigger.Interval:
		d.Trigger = trigger.IntervalSpec(seconds(r.TriggerConfig.Interval))
	case trigger.OneShot:
		at, err := parseTime(r.TriggerConfig.RunAt)
		if err != nil {
			return job.Definition{}, fmt.Errorf("trigger_config.run_at: %w", err)
		}
		d.Trigger = trigger.OneShotSpec(at)
	default:
		return job.Definition{}, fmt.Errorf("%w: %q", trigger.ErrUnknownType, r.TriggerType)
	}
	return d, nil
}

func seconds(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// Timestamps without a zone are read as local time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func nonNilSlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return append([]any(nil), v...)
}

func nonNilMap(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
