package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"upkeep/internal/job"
)

var ErrClosed = errors.New("storage closed")

// DefaultKeep is how many results per job a store retains on disk.
const DefaultKeep = 1000

// Config configures the durable history store.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database at Path (build tag sqlite)
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // results retained per job; 0 means DefaultKeep
}

func (c Config) keep() int {
	if c.Keep <= 0 {
		return DefaultKeep
	}
	return c.Keep
}

// Store persists terminal execution results and alert dedup marks.
type Store interface {
	AppendResult(ctx context.Context, r job.Result) error
	// Recent returns up to perJob most recent results of every job, oldest first.
	Recent(ctx context.Context, perJob int) ([]job.Result, error)
	// PutDedup records that key must not alert again before until.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// encodeReturn renders a handler return value as JSON, or "" if it cannot be encoded.
func encodeReturn(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeReturn(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
