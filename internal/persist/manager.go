package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"upkeep/internal/deps"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// Loaded is one job read from the schedule file.
//
// When the handler could not be resolved, Handler is nil, Definition.Enabled is
// false and LoadErr explains why.
type Loaded struct {
	Definition job.Definition
	Handler    job.Handler
	LoadErr    error
}

// Manager reads and writes the schedule file.
type Manager struct {
	path     string
	registry *job.Registry
	log      logx.Logger

	// mu serializes writers; readers of the job table never hold it.
	mu sync.Mutex
}

func NewManager(path string, registry *job.Registry, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if registry == nil {
		registry = job.NewRegistry()
	}
	return &Manager{path: ExpandHome(path), registry: registry, log: log}
}

func (m *Manager) Path() string { return m.path }

// Save writes every non-built-in definition. The caller passes a snapshot taken
// under its own lock; serialization and I/O happen here without it.
func (m *Manager) Save(defs []job.Definition, now time.Time) error {
	doc := File{
		Version:   FormatVersion,
		Timestamp: now.Format(time.RFC3339Nano),
		Jobs:      make(map[string]Record, len(defs)),
	}
	for _, d := range defs {
		if d.BuiltIn {
			continue
		}
		doc.Jobs[d.ID] = RecordFrom(d)
	}

	b, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeAtomic(m.path, b); err != nil {
		return fmt.Errorf("write schedule %s: %w", m.path, err)
	}
	m.log.Debug("schedule saved", logx.String("path", m.path), logx.Int("jobs", len(doc.Jobs)))
	return nil
}

// Load reads the schedule file and returns jobs in dependency order.
// A missing file yields no jobs and no error. Individually malformed records are
// logged and skipped; a malformed document is an error.
func (m *Manager) Load() ([]Loaded, error) {
	b, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Info("no schedule file; starting with built-in jobs only", logx.String("path", m.path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", m.path, err)
	}
	return m.decode(b)
}

func (m *Manager) decode(b []byte) ([]Loaded, error) {
	var doc File
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse schedule %s: %w", m.path, err)
	}
	if doc.Version != "" && doc.Version != FormatVersion {
		m.log.Warn("schedule file version differs; attempting load",
			logx.String("version", doc.Version), logx.String("expected", FormatVersion))
	}

	byID := make(map[string]Loaded, len(doc.Jobs))
	keys := make([]string, 0, len(doc.Jobs))
	for k := range doc.Jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d, err := doc.Jobs[key].Definition(key)
		if err != nil {
			m.log.Error("skipping malformed job record", logx.String("key", key), logx.Err(err))
			continue
		}
		if _, dup := byID[d.ID]; dup {
			m.log.Error("skipping duplicate job id", logx.String("id", d.ID), logx.String("key", key))
			continue
		}
		l := Loaded{Definition: d}
		if h, ok := m.registry.Lookup(d.Handler); ok {
			l.Handler = h
		} else {
			// Enabled is kept so the file round-trips once the handler returns.
			l.LoadErr = fmt.Errorf("%w: %q", job.ErrUnknownHandler, d.Handler)
			m.log.Warn("job handler not registered; loading without it",
				logx.String("id", d.ID), logx.String("handler", d.Handler))
		}
		byID[d.ID] = l
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	order, err := deps.LoadOrder(ids, func(id string) []string { return byID[id].Definition.Dependencies })
	if err != nil {
		m.log.Error("schedule contains a dependency cycle; members will be rejected", logx.Err(err))
		order = ids
	}

	out := make([]Loaded, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
