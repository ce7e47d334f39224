package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// DefaultKillGrace is how long a cancelled handler may take to return before
// its execution is finalized as detached.
const DefaultKillGrace = 5 * time.Second

type Config struct {
	KillGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Executor runs handler invocations in their own goroutines and turns every
// outcome (return, error, panic, timeout, stop) into exactly one terminal result.
type Executor struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func NewExecutor(cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// Request describes one execution.
type Request struct {
	Handler    job.Handler
	Invocation job.Invocation
	Timeout    time.Duration
}

// Hooks are invoked from the execution's monitor goroutine.
type Hooks struct {
	// OnFinal receives the terminal result and the error that produced it (nil on success).
	OnFinal func(r job.Result, err error)
	// OnExit runs once the handler goroutine has returned, after OnFinal.
	// For detached executions this can be much later than OnFinal.
	OnExit func()
}

// Execution is a handle on a running invocation.
type Execution struct {
	JobID   string
	ID      string
	Attempt int
	Started time.Time

	cancel context.CancelCauseFunc
	final  chan struct{}
	exited chan struct{}

	mu       sync.Mutex
	result   job.Result
	detached bool
}

// Stop requests cancellation. It does not wait.
func (x *Execution) Stop() { x.cancel(ErrStopRequested) }

// Finalized is closed once the terminal result has been recorded.
func (x *Execution) Finalized() <-chan struct{} { return x.final }

// Exited is closed once the handler goroutine has returned.
func (x *Execution) Exited() <-chan struct{} { return x.exited }

// Wait blocks until the execution is finalized or ctx ends.
// It reports whether the execution finalized.
func (x *Execution) Wait(ctx context.Context) bool {
	select {
	case <-x.final:
		return true
	case <-ctx.Done():
		return false
	}
}

// Detached reports a finalized execution whose handler has not returned.
func (x *Execution) Detached() bool {
	x.mu.Lock()
	d := x.detached
	x.mu.Unlock()
	if !d {
		return false
	}
	select {
	case <-x.exited:
		return false
	default:
		return true
	}
}

// Result returns the terminal result, or a running placeholder.
func (x *Execution) Result() job.Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result
}

type outcome struct {
	val   any
	err   error
	panic *PanicError
}

// Start launches req and returns immediately.
func (e *Executor) Start(parent context.Context, req Request, hooks Hooks) *Execution {
	inv := req.Invocation
	started := e.now()
	x := &Execution{
		JobID:   inv.JobID,
		ID:      inv.ExecutionID,
		Attempt: inv.Attempt,
		Started: started,
		final:   make(chan struct{}),
		exited:  make(chan struct{}),
		result: job.Result{
			JobID:       inv.JobID,
			ExecutionID: inv.ExecutionID,
			Attempt:     inv.Attempt,
			State:       job.StateRunning,
			StartTime:   started,
		},
	}

	ctx, cancel := context.WithCancelCause(parent)
	x.cancel = cancel
	runCtx, cancelTimeout := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeoutCause(ctx, req.Timeout, &TimeoutError{Timeout: req.Timeout})
	}

	out := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{panic: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
			out <- o
			close(x.exited)
		}()
		o.val, o.err = req.Handler.Run(runCtx, inv)
	}()

	go func() {
		defer cancel(nil)
		defer cancelTimeout()

		select {
		case o := <-out:
			e.finalize(x, hooks, o, runCtx)
		case <-runCtx.Done():
			e.settle(x, hooks, out, runCtx)
		}
		if hooks.OnExit != nil {
			hooks.OnExit()
		}
	}()
	return x
}

// settle waits up to KillGrace for a handler whose context has ended, then
// detaches it. A handler that returned in the same instant is finalized as is.
func (e *Executor) settle(x *Execution, hooks Hooks, out <-chan outcome, runCtx context.Context) {
	select {
	case o := <-out:
		e.finalize(x, hooks, o, runCtx)
		return
	default:
	}
	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()
	select {
	case o := <-out:
		e.finalize(x, hooks, o, runCtx)
	case <-grace.C:
		e.detach(x, hooks, runCtx)
		<-x.exited
		e.log.Warn("detached execution finally returned",
			logx.String("job", x.JobID), logx.String("execution", x.ID),
			logx.Duration("ran", e.now().Sub(x.Started)))
	}
}

// finalize classifies an outcome. An error returned after the context ended is
// an interruption; a successful return always completes.
func (e *Executor) finalize(x *Execution, hooks Hooks, o outcome, runCtx context.Context) {
	r := x.Result()
	r.EndTime = e.now()
	r.Duration = r.EndTime.Sub(r.StartTime)

	var err error
	switch {
	case o.panic != nil:
		err = o.panic
		r.State, r.ErrorKind = job.StateFailed, job.KindPanic
		e.log.Error("job handler panicked",
			logx.String("job", x.JobID), logx.String("execution", x.ID),
			logx.Any("panic", o.panic.Value), logx.Stack(o.panic.Stack))
	case o.err != nil && runCtx.Err() != nil:
		err = e.interruption(&r, runCtx, false)
	case o.err != nil:
		err = o.err
		r.State, r.ErrorKind = job.StateFailed, job.KindError
		// Handlers may return a partial report alongside the error.
		r.ReturnValue = o.val
	default:
		r.State = job.StateCompleted
		r.ReturnValue = o.val
	}
	if err != nil {
		r.Error = err.Error()
	}
	e.complete(x, hooks, r, err, false)
}

func (e *Executor) detach(x *Execution, hooks Hooks, runCtx context.Context) {
	r := x.Result()
	r.EndTime = e.now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	err := e.interruption(&r, runCtx, true)
	r.Error = err.Error()
	e.log.Warn("execution did not stop within grace; detaching",
		logx.String("job", x.JobID), logx.String("execution", x.ID),
		logx.Duration("grace", e.cfg.KillGrace), logx.Err(err))
	e.complete(x, hooks, r, err, true)
}

// interruption maps the context cause to a terminal state.
func (e *Executor) interruption(r *job.Result, runCtx context.Context, soft bool) error {
	cause := context.Cause(runCtx)
	var te *TimeoutError
	if errors.As(cause, &te) {
		r.State = job.StateFailed
		r.ErrorKind = job.KindTimeout
		if soft {
			r.ErrorKind = job.KindSoftTimeout
		}
		return &TimeoutError{Timeout: te.Timeout, Soft: soft}
	}
	r.State, r.ErrorKind = job.StateCancelled, job.KindCancelled
	if soft {
		return fmt.Errorf("%w: did not stop within grace, detached", cause)
	}
	return cause
}

func (e *Executor) complete(x *Execution, hooks Hooks, r job.Result, err error, detached bool) {
	x.mu.Lock()
	x.result = r
	x.detached = detached
	x.mu.Unlock()
	if hooks.OnFinal != nil {
		hooks.OnFinal(r, err)
	}
	close(x.final)
}
