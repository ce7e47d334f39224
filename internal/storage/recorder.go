package storage

import (
	"context"
	"time"

	"upkeep/internal/eventbus"
	"upkeep/internal/job"
	"upkeep/internal/scheduler"
	logx "upkeep/pkg/logx"
)

// Recorder subscribes to bus immediately and returns the loop that appends
// every finished or skipped result to st until ctx is done. Events still
// buffered at shutdown are drained first.
func Recorder(bus eventbus.Bus, st Store, log logx.Logger) func(ctx context.Context) error {
	if bus == nil || st == nil {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}
	ch, unsubscribe := bus.Subscribe(256, scheduler.EventJobFinished, scheduler.EventJobSkipped)
	return func(ctx context.Context) error {
		defer unsubscribe()
		return record(ctx, ch, st, log)
	}
}

func record(ctx context.Context, ch <-chan eventbus.Event, st Store, log logx.Logger) error {
	write := func(ev eventbus.Event) {
		r, ok := ev.Data.(job.Result)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.AppendResult(wctx, r); err != nil {
			log.Warn("result not persisted",
				logx.String("job_id", r.JobID),
				logx.String("execution_id", r.ExecutionID),
				logx.Err(err),
			)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-ch:
					write(ev)
				default:
					return nil
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			write(ev)
		}
	}
}
