package scheduler

import (
	"sort"
	"time"

	"upkeep/internal/job"
	"upkeep/internal/runtime/supervisor"
)

const recentResults = 5

// Status is the externally visible state of one job.
type Status struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Trigger          string       `json:"trigger"`
	Enabled          bool         `json:"enabled"`
	BuiltIn          bool         `json:"built_in,omitempty"`
	State            string       `json:"state"` // running | idle | disabled (load error)
	RunningInstances int          `json:"running_instances"`
	Detached         int          `json:"detached,omitempty"`
	NextRun          *time.Time   `json:"next_run"`
	LastRun          *time.Time   `json:"last_run"`
	RecentResults    []job.Result `json:"recent_results"`
	LoadError        string       `json:"load_error,omitempty"`
	PendingRetry     *RetryEvent  `json:"pending_retry,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
}

// Snapshot is a point-in-time view of the whole scheduler.
type Snapshot struct {
	Running        bool                 `json:"running"`
	Timezone       string               `json:"timezone"`
	Tick           string               `json:"tick"`
	Workers        int                  `json:"workers"`
	WorkersInUse   int                  `json:"workers_in_use"`
	PendingRetries int                  `json:"pending_retries"`
	Jobs           []Status             `json:"jobs"`
	Loop           *supervisor.Snapshot `json:"loop,omitempty"`
}

// Status returns the status of id.
func (s *Service) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Status{}, false
	}
	return s.statusLocked(e), true
}

// Statuses returns the status of every job sorted by id.
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusesLocked()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:        s.running,
		Timezone:       s.loc.String(),
		Tick:           s.cfg.Tick.String(),
		Workers:        s.admission.Pool.Size(),
		WorkersInUse:   s.admission.Pool.InUse(),
		PendingRetries: len(s.retries),
		Jobs:           s.statusesLocked(),
	}
	if s.sup != nil {
		ls := s.sup.Snapshot()
		snap.Loop = &ls
	}
	return snap
}

func (s *Service) statusesLocked() []Status {
	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) statusLocked(e *entry) Status {
	d := e.def
	st := Status{
		ID:               d.ID,
		Name:             d.Name,
		Trigger:          d.Trigger.String(),
		Enabled:          d.Enabled && e.handler != nil,
		BuiltIn:          d.BuiltIn,
		State:            "idle",
		RunningInstances: s.admission.Limiter.Running(d.ID),
		NextRun:          timePtr(d.NextRun),
		LastRun:          timePtr(d.LastRun),
		RecentResults:    s.history.Recent(d.ID, recentResults),
		Tags:             append([]string(nil), d.Tags...),
	}
	if st.RunningInstances > 0 {
		st.State = "running"
	}
	for _, x := range s.execs[d.ID] {
		if x.Detached() {
			st.Detached++
		}
	}
	if e.loadErr != nil {
		st.State = "disabled (load error)"
		st.LoadError = e.loadErr.Error()
	}
	if r, ok := s.retries[d.ID]; ok {
		st.PendingRetry = &RetryEvent{JobID: d.ID, Attempt: r.attempt, At: r.at}
	}
	return st
}

func (s *Service) definitionsLocked() []job.Definition {
	out := make([]job.Definition, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
