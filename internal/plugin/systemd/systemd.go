// Package systemd reports configured systemd units as a health-checked plugin.
package systemd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "upkeep/pkg/logx"
)

// UnitStatus is the core state of one unit.
type UnitStatus struct {
	Name        string
	ActiveState string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
}

// lister fetches unit states. The linux build talks to systemd over D-Bus.
type lister interface {
	ListUnits(ctx context.Context, names []string) ([]UnitStatus, error)
	Close()
}

type Plugin struct {
	log logx.Logger

	mu    sync.Mutex
	units []string
	src   lister
	dial  func(ctx context.Context) (lister, error)
}

func New(units []string, log logx.Logger) *Plugin {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Plugin{log: log.With(logx.String("plugin", "systemd")), units: normalize(units), dial: dialSystem}
}

func (p *Plugin) Name() string { return "systemd" }

// SetUnits replaces the watched unit list.
func (p *Plugin) SetUnits(units []string) {
	p.mu.Lock()
	p.units = normalize(units)
	p.mu.Unlock()
}

// Health is healthy when every configured unit is active.
func (p *Plugin) Health(ctx context.Context) (string, error) {
	p.mu.Lock()
	units := append([]string(nil), p.units...)
	p.mu.Unlock()
	if len(units) == 0 {
		return "no units configured", nil
	}

	src, err := p.conn(ctx)
	if err != nil {
		return "", fmt.Errorf("systemd: %w", err)
	}
	st, err := src.ListUnits(ctx, units)
	if err != nil {
		// Drop the connection so the next probe redials.
		p.mu.Lock()
		if p.src == src {
			p.src = nil
		}
		p.mu.Unlock()
		src.Close()
		return "", fmt.Errorf("systemd: list units: %w", err)
	}
	return evaluate(units, st)
}

func (p *Plugin) Close() {
	p.mu.Lock()
	src := p.src
	p.src = nil
	p.mu.Unlock()
	if src != nil {
		src.Close()
	}
}

func (p *Plugin) conn(ctx context.Context) (lister, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src != nil {
		return p.src, nil
	}
	src, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.src = src
	return src, nil
}

// evaluate compares the wanted units against what systemd reported.
func evaluate(want []string, got []UnitStatus) (string, error) {
	byName := make(map[string]UnitStatus, len(got))
	for _, u := range got {
		byName[u.Name] = u
	}
	var bad []string
	for _, name := range want {
		u, ok := byName[name]
		switch {
		case !ok || u.LoadState == "not-found":
			bad = append(bad, name+"=not-found")
		case u.ActiveState != "active":
			bad = append(bad, fmt.Sprintf("%s=%s/%s", name, u.ActiveState, u.SubState))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Sprintf("%d/%d units active", len(want)-len(bad), len(want)), fmt.Errorf("inactive units: %s", strings.Join(bad, ", "))
	}
	return fmt.Sprintf("%d units active", len(want)), nil
}

// normalize appends ".service" to bare names and drops blanks and duplicates.
func normalize(units []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(units))
	for _, u := range units {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.Contains(u, ".") {
			u += ".service"
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
