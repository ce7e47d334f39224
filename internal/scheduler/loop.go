package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"upkeep/internal/engine"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

func (s *Service) loop(ctx context.Context) error {
	for {
		s.mu.Lock()
		tick := s.cfg.Tick
		s.mu.Unlock()

		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		s.tick(s.now())
	}
}

// tick runs one scheduling pass at now and autosaves outside the lock.
func (s *Service) tick(now time.Time) {
	snapshot := s.pass(now)
	if snapshot == nil {
		return
	}
	if err := s.persist.Save(snapshot, now); err != nil {
		s.log.Error("autosave failed", logx.Err(err))
		s.markDirty()
	}
}

// pass admits due jobs and retries. It returns the definitions to autosave, if any.
func (s *Service) pass(now time.Time) []job.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()

	for _, e := range s.dueLocked(now) {
		d := &e.def
		if ok, reason := s.resolver.Ready(*d); !ok {
			s.skipLocked(e, reason, now)
			d.NextRun = s.nextLocked(*d, now)
			continue
		}
		// At capacity the job stays due and is retried on the next tick.
		if _, err := s.launchLocked(e, 1, now, false); err != nil {
			s.reportAdmission(d.ID, err)
			continue
		}
		d.LastRun = now
		d.NextRun = s.nextLocked(*d, now)
	}

	s.runRetriesLocked(now)

	slot := now.Truncate(s.cfg.AutosaveEvery)
	if slot.Equal(s.lastSaveSlot) {
		return nil
	}
	s.lastSaveSlot = slot
	if !s.dirty || s.persist == nil {
		return nil
	}
	s.dirty = false
	return s.definitionsLocked()
}

// dueLocked returns enabled, runnable jobs with NextRun at or before now, oldest first.
func (s *Service) dueLocked(now time.Time) []*entry {
	var due []*entry
	for _, e := range s.jobs {
		if !e.def.Enabled || e.removing || e.handler == nil || e.def.NextRun.IsZero() {
			continue
		}
		if !e.def.NextRun.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].def, due[j].def
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		return a.ID < b.ID
	})
	return due
}

func (s *Service) runRetriesLocked(now time.Time) {
	if len(s.retries) == 0 {
		return
	}
	ids := make([]string, 0, len(s.retries))
	for id, r := range s.retries {
		if !r.at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.retries[ids[i]].at.Before(s.retries[ids[j]].at) })

	for _, id := range ids {
		r := s.retries[id]
		e := s.jobs[id]
		if e == nil || e.removing || !e.def.Enabled || e.handler == nil {
			delete(s.retries, id)
			continue
		}
		if _, err := s.launchLocked(e, r.attempt, now, false); err != nil {
			s.reportAdmission(id, err)
			continue
		}
		delete(s.retries, id)
		e.def.LastRun = now
	}
}

// launchLocked admits and starts one execution of e. Nothing is held on error.
func (s *Service) launchLocked(e *entry, attempt int, now time.Time, manual bool) (string, error) {
	d := e.def.Clone()
	if err := s.admission.Acquire(d.ID, d.Concurrency()); err != nil {
		return "", err
	}

	inv := job.Invocation{
		JobID:       d.ID,
		ExecutionID: uuid.NewString(),
		Attempt:     attempt,
		Args:        d.Args,
		Kwargs:      d.Kwargs,
		Metadata:    d.Metadata,
	}
	x := s.exec.Start(context.Background(), engine.Request{
		Handler:    e.handler,
		Invocation: inv,
		Timeout:    d.Timeout,
	}, engine.Hooks{
		OnFinal: func(r job.Result, err error) { s.onFinal(e, r, err) },
		OnExit:  func() { s.admission.Release(d.ID) },
	})

	byID := s.execs[d.ID]
	if byID == nil {
		byID = map[string]*engine.Execution{}
		s.execs[d.ID] = byID
	}
	byID[x.ID] = x

	s.log.Info("job started", logx.String("job", d.ID), logx.String("execution", x.ID),
		logx.Int("attempt", attempt), logx.Bool("manual", manual))
	s.publish(EventJobStarted, StartedEvent{
		JobID:       d.ID,
		ExecutionID: x.ID,
		Attempt:     attempt,
		Manual:      manual,
		At:          now,
	})
	return x.ID, nil
}

// onFinal records a terminal result and schedules a retry when the failure allows one.
// It runs on the execution's monitor goroutine. History is only written while e is
// still the live table entry, so a removed or re-added job never inherits results.
func (s *Service) onFinal(e *entry, r job.Result, err error) {
	s.mu.Lock()
	live := s.jobs[r.JobID] == e && !e.removing
	if live {
		s.history.Append(r)
	}
	s.mu.Unlock()
	s.publish(EventJobFinished, r)

	fields := []logx.Field{
		logx.String("job", r.JobID), logx.String("execution", r.ExecutionID),
		logx.String("state", string(r.State)), logx.Duration("took", r.Duration),
	}
	if r.State == job.StateCompleted {
		s.log.Info("job finished", fields...)
	} else {
		s.log.Warn("job finished", append(fields, logx.String("kind", string(r.ErrorKind)), logx.Err(err))...)
	}

	if r.State != job.StateFailed || engine.IsNoRetry(err) || engine.IsSoftTimeout(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[r.JobID] != e || e.removing || !e.def.Enabled || !s.running || r.Attempt > e.def.MaxRetries {
		return
	}
	if _, pending := s.retries[r.JobID]; pending {
		return
	}
	at := s.now().Add(e.def.RetryDelay)
	s.retries[r.JobID] = pendingRetry{attempt: r.Attempt + 1, at: at}
	s.log.Info("job retry scheduled", logx.String("job", r.JobID),
		logx.Int("attempt", r.Attempt+1), logx.Time("at", at))
	s.publish(EventRetryScheduled, RetryEvent{JobID: r.JobID, Attempt: r.Attempt + 1, At: at, Cause: r.Error})
}

// skipLocked records a dependency rejection as a skipped result.
func (s *Service) skipLocked(e *entry, reason string, now time.Time) {
	r := job.Result{
		JobID:       e.def.ID,
		ExecutionID: uuid.NewString(),
		State:       job.StateSkipped,
		StartTime:   now,
		EndTime:     now,
		Error:       reason,
		ErrorKind:   job.KindDependency,
	}
	s.history.Append(r)
	s.log.Warn("dependencies not met; skipping", logx.String("job", e.def.ID), logx.String("reason", reason))
	s.publish(EventJobSkipped, r)
}

// reapLocked drops handles whose handler goroutine has returned.
func (s *Service) reapLocked() {
	for id, byID := range s.execs {
		for xid, x := range byID {
			select {
			case <-x.Exited():
				delete(byID, xid)
			default:
			}
		}
		if len(byID) == 0 {
			delete(s.execs, id)
		}
	}
}

// execsOfLocked returns executions of id that are not yet finalized.
func (s *Service) execsOfLocked(id string) []*engine.Execution {
	var out []*engine.Execution
	for _, x := range s.execs[id] {
		select {
		case <-x.Finalized():
		default:
			out = append(out, x)
		}
	}
	return out
}

// nextLocked computes the next occurrence in the scheduler timezone; zero means none.
func (s *Service) nextLocked(d job.Definition, now time.Time) time.Time {
	next, ok := d.Trigger.Next(now.In(s.loc))
	if !ok {
		return time.Time{}
	}
	return next
}

func (s *Service) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

const admitWarnThrottle = 30 * time.Second

func (s *Service) reportAdmission(jobID string, err error) {
	// A job at its own ceiling is routine.
	if errors.Is(err, engine.ErrConcurrencyLimit) {
		s.log.Debug("job at concurrency limit; waiting", logx.String("job", jobID))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastAdmitWarn[jobID]
	if !last.IsZero() && now.Sub(last) < admitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastAdmitWarn[jobID] = now
	s.warnMu.Unlock()

	s.log.Warn("job not admitted", logx.String("job", jobID), logx.Err(err))
}
