package engine

import (
	"strings"
	"sync"
)

// Pool is the global worker ceiling: a channel semaphore pre-filled with tokens.
// Its size is fixed for its lifetime.
type Pool struct {
	size int
	ch   chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{size: size, ch: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.ch <- struct{}{}
	}
	return p
}

func (p *Pool) TryAcquire() bool {
	select {
	case <-p.ch:
		return true
	default:
		return false
	}
}

func (p *Pool) Release() {
	// Never block on release.
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

func (p *Pool) Size() int  { return p.size }
func (p *Pool) InUse() int { return p.size - len(p.ch) }

// Limiter counts in-flight executions per job id.
type Limiter struct {
	mu      sync.Mutex
	running map[string]int
}

func NewLimiter() *Limiter { return &Limiter{running: map[string]int{}} }

// TryAcquire takes a slot for jobID when fewer than limit executions are in flight.
func (l *Limiter) TryAcquire(jobID string, limit int) bool {
	if limit <= 0 {
		limit = 1
	}
	k := strings.TrimSpace(jobID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[k] >= limit {
		return false
	}
	l.running[k]++
	return true
}

func (l *Limiter) Release(jobID string) {
	k := strings.TrimSpace(jobID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.running[k]; n > 1 {
		l.running[k] = n - 1
	} else {
		delete(l.running, k)
	}
}

func (l *Limiter) Running(jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[strings.TrimSpace(jobID)]
}

// Admission combines the per-job limiter with the global pool.
type Admission struct {
	Limiter *Limiter
	Pool    *Pool
}

func NewAdmission(workers int) *Admission {
	return &Admission{Limiter: NewLimiter(), Pool: NewPool(workers)}
}

// Acquire reserves a per-job slot and a worker. On failure nothing is held.
func (a *Admission) Acquire(jobID string, limit int) error {
	if !a.Limiter.TryAcquire(jobID, limit) {
		return ErrConcurrencyLimit
	}
	if !a.Pool.TryAcquire() {
		a.Limiter.Release(jobID)
		return ErrPoolSaturated
	}
	return nil
}

func (a *Admission) Release(jobID string) {
	a.Pool.Release()
	a.Limiter.Release(jobID)
}
