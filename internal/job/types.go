package job

import (
	"context"
	"time"

	"upkeep/internal/trigger"
)

// State is the lifecycle state of a single execution.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateSkipped   State = "skipped"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s != StateRunning && s != "" }

// ErrorKind classifies why an execution did not complete.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindError       ErrorKind = "error"
	KindPanic       ErrorKind = "panic"
	KindTimeout     ErrorKind = "timeout"
	KindSoftTimeout ErrorKind = "soft_timeout"
	KindCancelled   ErrorKind = "cancelled"
	KindDependency  ErrorKind = "dependency"
)

// Definition is a unit of schedulable work.
//
// LastRun and NextRun use the zero time for "none". They are owned by the
// scheduler loop; callers set them only through the scheduler API.
type Definition struct {
	ID          string `validate:"required,max=128"`
	Name        string `validate:"required"`
	Description string

	Trigger trigger.Spec

	Handler string `validate:"required"`
	Args    []any
	Kwargs  map[string]any

	Dependencies []string `validate:"dive,required"`

	Enabled       bool
	MaxRetries    int           `validate:"gte=0"`
	RetryDelay    time.Duration `validate:"gte=0"`
	Timeout       time.Duration `validate:"gte=0"`
	MaxConcurrent int           `validate:"gte=0"`

	Tags     []string
	Metadata map[string]any

	CreatedAt time.Time
	// BuiltIn marks system jobs that are registered at startup and never persisted.
	BuiltIn bool

	LastRun time.Time
	NextRun time.Time
}

// Concurrency returns the effective per-job ceiling (at least 1).
func (d Definition) Concurrency() int {
	if d.MaxConcurrent <= 0 {
		return 1
	}
	return d.MaxConcurrent
}

// HasTag reports whether the definition carries tag.
func (d Definition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy whose slices and maps are not shared with d.
func (d Definition) Clone() Definition {
	cp := d
	cp.Args = append([]any(nil), d.Args...)
	cp.Dependencies = append([]string(nil), d.Dependencies...)
	cp.Tags = append([]string(nil), d.Tags...)
	if d.Kwargs != nil {
		cp.Kwargs = make(map[string]any, len(d.Kwargs))
		for k, v := range d.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	if d.Metadata != nil {
		cp.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Result is the outcome of one execution attempt. It is immutable once terminal.
type Result struct {
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Attempt     int       `json:"attempt"`
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
	// Duration is EndTime - StartTime once terminal.
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	ReturnValue any           `json:"return_value,omitempty"`
}

// Invocation is what a handler receives for one execution.
type Invocation struct {
	JobID       string
	ExecutionID string
	Attempt     int
	Args        []any
	Kwargs      map[string]any
	Metadata    map[string]any
}

// Handler performs the work of a job.
//
// Handlers must honor ctx: it is cancelled on timeout and on stop requests.
// Handlers that run external processes should terminate them when ctx is done.
type Handler interface {
	Run(ctx context.Context, inv Invocation) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

func (f HandlerFunc) Run(ctx context.Context, inv Invocation) (any, error) { return f(ctx, inv) }
