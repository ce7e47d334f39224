package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"upkeep/internal/deps"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// AddJob validates d, resolves its handler and inserts it into the job table.
//
// It fails with *job.ValidationError, job.ErrUnknownHandler, ErrDuplicateJob or
// *deps.CyclicDependencyError; on failure the table is unchanged.
func (s *Service) AddJob(d job.Definition) error {
	if err := job.Validate(d); err != nil {
		s.log.Error("job rejected", logx.String("job", d.ID), logx.Err(err))
		return err
	}
	h, ok := s.registry.Lookup(d.Handler)
	if !ok {
		err := fmt.Errorf("%w: %q", job.ErrUnknownHandler, d.Handler)
		s.log.Error("job rejected", logx.String("job", d.ID), logx.Err(err))
		return err
	}
	return s.add(d, h, nil)
}

// add inserts d. A nil handler is only accepted together with loadErr, for jobs
// read from the schedule file whose handler is not registered. Such a job never
// runs but keeps its stored enabled flag.
func (s *Service) add(d job.Definition, h job.Handler, loadErr error) error {
	d = d.Clone()
	d.ID = strings.TrimSpace(d.ID)
	if err := job.Validate(d); err != nil {
		s.log.Error("job rejected", logx.String("job", d.ID), logx.Err(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[d.ID]; dup {
		err := fmt.Errorf("%w: %s", ErrDuplicateJob, d.ID)
		s.log.Error("job rejected", logx.String("job", d.ID), logx.Err(err))
		return err
	}
	depsOf := func(id string) []string {
		if id == d.ID {
			return d.Dependencies
		}
		if e := s.jobs[id]; e != nil {
			return e.def.Dependencies
		}
		return nil
	}
	if cycle := deps.FindCycle(d.ID, depsOf); cycle != nil {
		err := &deps.CyclicDependencyError{Cycle: cycle}
		s.log.Error("job rejected", logx.String("job", d.ID), logx.Err(err))
		return err
	}

	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.LastRun = time.Time{}
	d.NextRun = time.Time{}
	if d.Enabled && h != nil {
		d.NextRun = s.nextLocked(d, now)
	}
	s.jobs[d.ID] = &entry{def: d, handler: h, loadErr: loadErr}
	if !d.BuiltIn {
		s.dirty = true
	}
	s.log.Info("job added", logx.String("job", d.ID), logx.String("trigger", d.Trigger.String()),
		logx.Bool("enabled", d.Enabled && h != nil), logx.Time("next_run", d.NextRun))
	return nil
}

// RemoveJob stops every running execution of id, then deletes it and its history.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.removing {
		s.mu.Unlock()
		s.log.Warn("remove: job not found", logx.String("job", id))
		return false
	}
	e.removing = true
	delete(s.retries, id)
	execs := s.execsOfLocked(id)
	s.mu.Unlock()

	s.stopExecutions(context.Background(), execs)

	s.mu.Lock()
	delete(s.jobs, id)
	s.history.Forget(id)
	if !e.def.BuiltIn {
		s.dirty = true
	}
	s.mu.Unlock()

	s.log.Info("job removed", logx.String("job", id), logx.Int("stopped_executions", len(execs)))
	return true
}

// EnableJob enables id and computes its next run. Jobs without a handler stay disabled.
func (s *Service) EnableJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.removing {
		return false
	}
	if e.handler == nil {
		s.log.Warn("cannot enable job without a handler", logx.String("job", id), logx.Err(e.loadErr))
		return false
	}
	e.def.Enabled = true
	e.def.NextRun = s.nextLocked(e.def, s.now())
	if !e.def.BuiltIn {
		s.dirty = true
	}
	s.log.Info("job enabled", logx.String("job", id), logx.Time("next_run", e.def.NextRun))
	return true
}

// DisableJob disables id, drops any pending retry and stops its running executions.
func (s *Service) DisableJob(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.removing {
		s.mu.Unlock()
		return false
	}
	e.def.Enabled = false
	e.def.NextRun = time.Time{}
	delete(s.retries, id)
	if !e.def.BuiltIn {
		s.dirty = true
	}
	execs := s.execsOfLocked(id)
	s.mu.Unlock()

	s.stopExecutions(context.Background(), execs)
	s.log.Info("job disabled", logx.String("job", id))
	return true
}

// StopJob stops every running execution of id and waits up to StopGrace.
// It reports whether at least one execution stopped in time.
func (s *Service) StopJob(id string) bool {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return false
	}
	execs := s.execsOfLocked(id)
	s.mu.Unlock()

	return s.stopExecutions(context.Background(), execs) > 0
}

// RunNow starts id immediately, ignoring its trigger, enabled flag and dependencies.
// Concurrency ceilings still apply.
func (s *Service) RunNow(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", ErrNotRunning
	}
	e, ok := s.jobs[id]
	if !ok || e.removing {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.handler == nil {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, id)
	}
	now := s.now()
	execID, err := s.launchLocked(e, 1, now, true)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", id, err)
	}
	e.def.LastRun = now
	return execID, nil
}

// History returns up to limit recent results for id, oldest first.
func (s *Service) History(id string, limit int) []job.Result {
	return s.history.Recent(id, limit)
}

// Definition returns a copy of the definition registered under id.
func (s *Service) Definition(id string) (job.Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return job.Definition{}, false
	}
	return e.def.Clone(), true
}

// Definitions returns copies of every definition sorted by id.
func (s *Service) Definitions() []job.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.definitionsLocked()
}

// Save writes user-defined jobs to the schedule file.
func (s *Service) Save() error {
	if s.persist == nil {
		return nil
	}
	s.mu.Lock()
	defs := s.definitionsLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.persist.Save(defs, s.now()); err != nil {
		s.markDirty()
		return err
	}
	return nil
}

// Load reads the schedule file and registers its jobs in dependency order.
// Jobs that fail to register are logged and skipped.
func (s *Service) Load() error {
	if s.persist == nil {
		return nil
	}
	loaded, err := s.persist.Load()
	if err != nil {
		return err
	}
	added := 0
	for _, l := range loaded {
		if err := s.add(l.Definition, l.Handler, l.LoadErr); err != nil {
			continue
		}
		added++
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.log.Info("schedule loaded", logx.String("path", s.persist.Path()),
		logx.Int("jobs", added), logx.Int("rejected", len(loaded)-added))
	return nil
}
