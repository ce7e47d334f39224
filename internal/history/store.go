package history

import (
	"sort"
	"sync"
	"time"

	"upkeep/internal/job"
)

// DefaultCapacity is the number of results kept per job.
const DefaultCapacity = 100

// Store keeps a bounded, chronological log of results per job.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	cap  int
	logs map[string][]job.Result
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{cap: capacity, logs: map[string][]job.Result{}}
}

// Append records r, dropping the oldest entry when the job is at capacity.
func (s *Store) Append(r job.Result) {
	if r.JobID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.logs[r.JobID], r)
	if over := len(log) - s.cap; over > 0 {
		// Copy down so the backing array doesn't grow without bound.
		log = append(log[:0:0], log[over:]...)
	}
	s.logs[r.JobID] = log
}

// Recent returns up to limit most recent results in chronological order.
// limit <= 0 returns everything retained.
func (s *Store) Recent(jobID string, limit int) []job.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[jobID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]job.Result(nil), log...)
}

// Last returns the most recent result for jobID.
func (s *Store) Last(jobID string) (job.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[jobID]
	if len(log) == 0 {
		return job.Result{}, false
	}
	return log[len(log)-1], true
}

// Len returns the number of results retained for jobID.
func (s *Store) Len(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[jobID])
}

// Seed loads previously persisted results (any order) ahead of live appends.
// Results are sorted by end time, then start time, before being retained.
func (s *Store) Seed(results []job.Result) {
	if len(results) == 0 {
		return
	}
	byJob := map[string][]job.Result{}
	for _, r := range results {
		if r.JobID == "" || !r.State.Terminal() {
			continue
		}
		byJob[r.JobID] = append(byJob[r.JobID], r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rs := range byJob {
		sort.SliceStable(rs, func(i, j int) bool { return resultTime(rs[i]).Before(resultTime(rs[j])) })
		merged := append(rs, s.logs[id]...)
		if over := len(merged) - s.cap; over > 0 {
			merged = merged[over:]
		}
		s.logs[id] = merged
	}
}

// Forget drops everything recorded for jobID.
func (s *Store) Forget(jobID string) {
	s.mu.Lock()
	delete(s.logs, jobID)
	s.mu.Unlock()
}

func resultTime(r job.Result) time.Time {
	if !r.EndTime.IsZero() {
		return r.EndTime
	}
	return r.StartTime
}
