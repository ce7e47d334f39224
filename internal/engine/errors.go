package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopRequested    = errors.New("execution stop requested")
	ErrConcurrencyLimit = errors.New("job at max concurrent executions")
	ErrPoolSaturated    = errors.New("worker pool saturated")
)

// TimeoutError reports that an execution exceeded its timeout.
//
// Soft is set when the handler did not return within the kill grace after
// cancellation: the result was finalized but the work may still be running.
type TimeoutError struct {
	Timeout time.Duration
	Soft    bool
}

func (e *TimeoutError) Error() string {
	if e.Soft {
		return fmt.Sprintf("soft timeout after %s: execution did not stop and was detached", e.Timeout)
	}
	return fmt.Sprintf("timed out after %s", e.Timeout)
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsSoftTimeout reports whether err is a soft *TimeoutError.
func IsSoftTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) && te.Soft
}

// NoRetry marks an error as permanent so the scheduler does not retry it.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad kwargs: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
