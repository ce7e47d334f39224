// Package plugin keeps the in-process registry of health-checkable plugins.
package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "upkeep/pkg/logx"
)

// Plugin is a named component that can report its own health.
type Plugin interface {
	Name() string
	// Health returns a short status ("ok", "degraded: ...") or an error when unhealthy.
	Health(ctx context.Context) (status string, err error)
}

// Health is the outcome of the most recent probe of one plugin.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
	// Fails counts consecutive failed probes.
	Fails int `json:"fails,omitempty"`
}

// HealthChecker is what the scheduler's plugin health job consumes.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]Health
}

const defaultProbeTimeout = 3 * time.Second

type PluginManager struct {
	mu      sync.Mutex
	log     logx.Logger
	reg     map[string]Plugin
	last    map[string]Health
	timeout time.Duration
}

func NewManager(log logx.Logger) *PluginManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PluginManager{
		log:     log.With(logx.String("comp", "plugins")),
		reg:     map[string]Plugin{},
		last:    map[string]Health{},
		timeout: defaultProbeTimeout,
	}
}

// SetProbeTimeout bounds each plugin's Health call. d <= 0 restores the default.
func (pm *PluginManager) SetProbeTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultProbeTimeout
	}
	pm.mu.Lock()
	pm.timeout = d
	pm.mu.Unlock()
}

// Register adds p, replacing any plugin of the same name.
func (pm *PluginManager) Register(p Plugin) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("plugin: name is required")
	}
	pm.mu.Lock()
	_, replaced := pm.reg[p.Name()]
	pm.reg[p.Name()] = p
	pm.mu.Unlock()
	pm.log.Debug("plugin registered", logx.String("plugin", p.Name()), logx.Bool("replaced", replaced))
	return nil
}

func (pm *PluginManager) Unregister(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.reg[name]; !ok {
		return false
	}
	delete(pm.reg, name)
	delete(pm.last, name)
	return true
}

func (pm *PluginManager) Names() []string {
	pm.mu.Lock()
	out := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		out = append(out, name)
	}
	pm.mu.Unlock()
	sort.Strings(out)
	return out
}

// HealthCheck probes every plugin in parallel. A probe that panics or times
// out is reported unhealthy; it never fails the whole check.
func (pm *PluginManager) HealthCheck(ctx context.Context) map[string]Health {
	pm.mu.Lock()
	targets := make([]Plugin, 0, len(pm.reg))
	for _, p := range pm.reg {
		targets = append(targets, p)
	}
	timeout := pm.timeout
	pm.mu.Unlock()

	results := make([]Health, len(targets))
	var g errgroup.Group
	for i, p := range targets {
		g.Go(func() error {
			results[i] = probe(ctx, p, timeout)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Health, len(targets))
	pm.mu.Lock()
	for i, p := range targets {
		h := results[i]
		if !h.Healthy {
			h.Fails = pm.last[p.Name()].Fails + 1
		}
		pm.last[p.Name()] = h
		out[p.Name()] = h
	}
	pm.mu.Unlock()

	for name, h := range out {
		if !h.Healthy {
			pm.log.Warn("plugin unhealthy", logx.String("plugin", name), logx.String("err", h.LastError), logx.Int("fails", h.Fails))
		}
	}
	return out
}

// Last returns the most recent probe results without probing.
func (pm *PluginManager) Last() map[string]Health {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[string]Health, len(pm.last))
	for k, v := range pm.last {
		out[k] = v
	}
	return out
}

func probe(ctx context.Context, p Plugin, timeout time.Duration) (h Health) {
	h.At = time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.Healthy = false
			h.LastError = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	status, err := p.Health(pctx)
	h.Status = status
	if err != nil {
		h.LastError = err.Error()
		return h
	}
	h.Healthy = true
	return h
}
