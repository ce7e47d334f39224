package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"upkeep/internal/eventbus"
	"upkeep/internal/job"
	rtsup "upkeep/internal/runtime/supervisor"
	"upkeep/internal/scheduler"
	"upkeep/internal/storage"
	logx "upkeep/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type queued struct {
	n Notification
}

// Service is an async alert pipeline: queue, worker pool, rate limit, retry, dedup.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan queued
	sup       *rtsup.Supervisor
	stopWatch context.CancelFunc

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a notifier. store may be nil; it only backs cross-restart dedup.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps config. Worker count and queue size take effect on next Start.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	s.applyLocked(cfg)
	if sender != nil {
		s.sender = sender
	}
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if len(cfg.States) == 0 {
		cfg.States = []job.State{job.StateFailed}
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), cfg.Burst)
}

// Start launches the workers and the result watcher. It is idempotent and a
// no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan queued, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Alerts are best-effort; a failure here never stops the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	// The watcher stops before the queue closes; workers then drain it.
	wctx, stopWatch := context.WithCancel(sup.Context())
	s.stopWatch = stopWatch
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) { s.workerLoop(c, q) })
	}
	if s.bus != nil {
		// Subscribed before Start returns so no result published afterwards is missed.
		ch, unsubscribe := s.bus.Subscribe(64, scheduler.EventJobFinished, scheduler.EventJobSkipped)
		sup.Go0("results.unsubscribe", func(context.Context) {
			<-wctx.Done()
			unsubscribe()
		})
		sup.GoRestart("results.watch", func(context.Context) error { return s.watchResults(wctx, ch) },
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop closes intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, stopWatch := s.queue, s.sup, s.stopWatch
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.stopWatch = nil
	s.mu.Unlock()

	stopWatch()
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		// Deadline passed with alerts still queued.
		sup.Cancel()
		s.log.Warn("notifier stop incomplete", logx.Err(err))
	}
}

// Notify enqueues n, applying dedup. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if cfg.DedupWindow > 0 && n.Key != "" && !s.dedupAllow(ctx, n.Key, cfg) {
		s.publish(EventDeduped, n.Key, nil)
		return nil
	}

	select {
	case q <- queued{n: n}:
		s.publish(EventQueued, n.Key, nil)
		return nil
	default:
		s.publish(EventDropped, n.Key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// watchResults turns terminal results on the bus into alerts.
func (s *Service) watchResults(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r, ok := ev.Data.(job.Result)
			if !ok || !s.wants(r.State) {
				continue
			}
			if err := s.Notify(ctx, ResultNotification(r)); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("alert not queued", logx.String("job_id", r.JobID), logx.Err(err))
			}
		}
	}
}

func (s *Service) wants(st job.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.cfg.States {
		if w == st {
			return true
		}
	}
	return false
}

// ResultNotification renders r as an alert. Alerts for the same job, state
// and error text share a dedup key.
func ResultNotification(r job.Result) Notification {
	var b strings.Builder
	switch r.State {
	case job.StateFailed:
		b.WriteString("🚨 job failed: ")
	case job.StateSkipped:
		b.WriteString("⏭ job skipped: ")
	default:
		fmt.Fprintf(&b, "ℹ️ job %s: ", r.State)
	}
	b.WriteString(r.JobID)
	if r.Attempt > 0 {
		fmt.Fprintf(&b, " (attempt %d)", r.Attempt)
	}
	if r.ErrorKind != job.KindNone {
		fmt.Fprintf(&b, "\nkind: %s", r.ErrorKind)
	}
	if r.Error != "" {
		msg := r.Error
		if len(msg) > 500 {
			msg = msg[:500] + "…"
		}
		fmt.Fprintf(&b, "\nerror: %s", msg)
	}
	if r.Duration > 0 {
		fmt.Fprintf(&b, "\nduration: %s", r.Duration.Round(time.Millisecond))
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(r.JobID + "|" + string(r.State) + "|" + string(r.ErrorKind) + "|" + r.Error))
	prio := 5
	if r.State == job.StateFailed {
		prio = 9
	}
	return Notification{Key: fmt.Sprintf("result:%x", h.Sum64()), Text: b.String(), Priority: prio}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j.n)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil || n.Text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, n.Text)
		cancel()
		if err == nil {
			s.appendHistory(n.Text)
			s.publish(EventSent, n.Key, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("key", n.Key), logx.Err(lastErr))
	s.publish(EventFailed, n.Key, lastErr)
}

func (s *Service) publish(typ, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Durable marks survive restarts.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup mark not persisted", logx.Err(err))
		}
		cancel()
	}
	return true
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
