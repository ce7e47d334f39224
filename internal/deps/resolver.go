package deps

import (
	"errors"
	"fmt"
	"strings"

	"upkeep/internal/job"
)

// ErrCyclicDependency is matched by every *CyclicDependencyError.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CyclicDependencyError carries the cycle as a path that starts and ends on the same id.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// LastResult reports the most recent recorded result of a job.
type LastResult interface {
	Last(jobID string) (job.Result, bool)
}

// Resolver decides whether a job's dependencies allow it to run.
type Resolver struct {
	history LastResult
	known   func(id string) bool
}

// NewResolver builds a resolver over history. known reports whether a job id
// exists in the job table; a nil known treats every id as present.
func NewResolver(history LastResult, known func(id string) bool) *Resolver {
	return &Resolver{history: history, known: known}
}

// Ready reports whether every dependency of d has a most recent result of completed.
// When not ready, reason names the first blocking dependency.
func (r *Resolver) Ready(d job.Definition) (bool, string) {
	for _, dep := range d.Dependencies {
		if r.known != nil && !r.known(dep) {
			return false, fmt.Sprintf("dependency %s not found", dep)
		}
		last, ok := r.history.Last(dep)
		if !ok {
			return false, fmt.Sprintf("dependency %s has not run", dep)
		}
		if last.State != job.StateCompleted {
			return false, fmt.Sprintf("dependency %s last %s", dep, last.State)
		}
	}
	return true, ""
}

const (
	unvisited = iota
	visiting
	done
)

// LoadOrder returns ids ordered so that every job follows the jobs it depends on.
// Dependencies outside ids are ignored. Ties keep the input order.
// A cycle among ids fails with *CyclicDependencyError.
func LoadOrder(ids []string, depsOf func(id string) []string) ([]string, error) {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}

	state := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &CyclicDependencyError{Cycle: cycleFrom(path, id)}
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range depsOf(id) {
			if !in[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cycleFrom(path []string, id string) []string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == id {
			cyc := append([]string(nil), path[i:]...)
			return append(cyc, id)
		}
	}
	return []string{id, id}
}

// FindCycle reports a cycle reachable from start through depsOf, if any.
// Used to reject a definition before it enters the job table.
func FindCycle(start string, depsOf func(id string) []string) []string {
	state := map[string]int{}
	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case done:
			return false
		case visiting:
			found = cycleFrom(path, id)
			return true
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range depsOf(id) {
			if visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}
	visit(start)
	return found
}
