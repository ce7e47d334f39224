package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// compactEvery is how many appends pass between results-file compactions.
const compactEvery = 1000

// fileStore keeps history in plain files:
//   - <prefix>.results.jsonl  append-only results, compacted to Keep per job
//   - <prefix>.dedup.json     alert dedup snapshot
type fileStore struct {
	log  logx.Logger
	keep int

	mu          sync.Mutex
	resultsPath string
	results     *os.File
	appends     int

	dedupPath string
	dedup     map[string]int64 // unix milli
}

// resultRecord is the on-disk shape of a job.Result.
type resultRecord struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id"`
	Attempt     int    `json:"attempt"`
	State       string `json:"state"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	DurationNS  int64  `json:"duration_ns"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Return      string `json:"return,omitempty"`
}

func toRecord(r job.Result) resultRecord {
	rec := resultRecord{
		JobID:       r.JobID,
		ExecutionID: r.ExecutionID,
		Attempt:     r.Attempt,
		State:       string(r.State),
		Start:       r.StartTime.Format(time.RFC3339Nano),
		DurationNS:  int64(r.Duration),
		Error:       r.Error,
		ErrorKind:   string(r.ErrorKind),
		Return:      encodeReturn(r.ReturnValue),
	}
	if !r.EndTime.IsZero() {
		rec.End = r.EndTime.Format(time.RFC3339Nano)
	}
	return rec
}

func (rec resultRecord) result() job.Result {
	r := job.Result{
		JobID:       rec.JobID,
		ExecutionID: rec.ExecutionID,
		Attempt:     rec.Attempt,
		State:       job.State(rec.State),
		Duration:    time.Duration(rec.DurationNS),
		Error:       rec.Error,
		ErrorKind:   job.ErrorKind(rec.ErrorKind),
		ReturnValue: decodeReturn(rec.Return),
	}
	r.StartTime, _ = time.Parse(time.RFC3339Nano, rec.Start)
	if rec.End != "" {
		r.EndTime, _ = time.Parse(time.RFC3339Nano, rec.End)
	}
	return r
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		keep:        cfg.keep(),
		resultsPath: prefix + ".results.jsonl",
		dedupPath:   prefix + ".dedup.json",
		dedup:       map[string]int64{},
	}
	if err := loadDedup(s.dedupPath, s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}
	pruneExpired(s.dedup, time.Now())

	f, err := os.OpenFile(s.resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.results = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		return nil
	}
	err := s.results.Close()
	s.results = nil
	return err
}

func (s *fileStore) AppendResult(_ context.Context, r job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.results).Encode(toRecord(r)); err != nil {
		return err
	}
	s.appends++
	if s.appends%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("results compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, perJob int) ([]job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRecent(s.resultsPath, perJob)
}

// readRecent returns the last perJob records per job in file order.
func readRecent(path string, perJob int) ([]job.Result, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		all   []resultRecord
		count = map[string]int{}
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec resultRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.JobID == "" {
			continue
		}
		all = append(all, rec)
		count[rec.JobID]++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Skip each job's oldest records beyond perJob.
	skip := map[string]int{}
	if perJob > 0 {
		for id, n := range count {
			if n > perJob {
				skip[id] = n - perJob
			}
		}
	}
	out := make([]job.Result, 0, len(all))
	for _, rec := range all {
		if skip[rec.JobID] > 0 {
			skip[rec.JobID]--
			continue
		}
		out = append(out, rec.result())
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	kept, err := readRecent(s.resultsPath, s.keep)
	if err != nil {
		return err
	}
	tmp := s.resultsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range kept {
		if err := enc.Encode(toRecord(r)); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.resultsPath); err != nil {
		return err
	}
	_ = s.results.Close()
	s.results, err = os.OpenFile(s.resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	pruneExpired(s.dedup, time.Now())
	return saveDedup(s.dedupPath, s.dedup)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func loadDedup(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &out)
}

func saveDedup(path string, m map[string]int64) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func pruneExpired(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
