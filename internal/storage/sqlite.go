//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT    NOT NULL,
	execution_id TEXT    NOT NULL,
	attempt      INTEGER NOT NULL,
	state        TEXT    NOT NULL,
	start_at     TEXT    NOT NULL,
	end_at       TEXT,
	duration_ns  INTEGER NOT NULL,
	err          TEXT,
	error_kind   TEXT,
	return_json  TEXT
);
CREATE INDEX IF NOT EXISTS results_job_id ON results(job_id, id);
CREATE TABLE IF NOT EXISTS dedup (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
`

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, keep: cfg.keep(), pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendResult(ctx context.Context, r job.Result) error {
	var end any
	if !r.EndTime.IsZero() {
		end = r.EndTime.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(job_id, execution_id, attempt, state, start_at, end_at, duration_ns, err, error_kind, return_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.ExecutionID, r.Attempt, string(r.State), r.StartTime.Format(time.RFC3339Nano), end,
		int64(r.Duration), nullStr(r.Error), nullStr(string(r.ErrorKind)), nullStr(encodeReturn(r.ReturnValue)),
	)
	if err == nil && s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("results prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, perJob int) ([]job.Result, error) {
	if perJob <= 0 {
		perJob = s.keep
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, execution_id, attempt, state, start_at, end_at, duration_ns, err, error_kind, return_json
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY id DESC) AS rn FROM results
		) WHERE rn <= ? ORDER BY id`, perJob)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Result
	for rows.Next() {
		var (
			r                       job.Result
			state, start            string
			end, msg, kind, retJSON sql.NullString
			durNS                   int64
		)
		if err := rows.Scan(&r.JobID, &r.ExecutionID, &r.Attempt, &state, &start, &end, &durNS, &msg, &kind, &retJSON); err != nil {
			return nil, err
		}
		r.State = job.State(state)
		r.StartTime, _ = time.Parse(time.RFC3339Nano, start)
		if end.Valid {
			r.EndTime, _ = time.Parse(time.RFC3339Nano, end.String)
		}
		r.Duration = time.Duration(durNS)
		r.Error = msg.String
		r.ErrorKind = job.ErrorKind(kind.String)
		r.ReturnValue = decodeReturn(retJSON.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune drops each job's results beyond keep.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM results WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY id DESC) AS rn FROM results
			) WHERE rn > ?
		)`, s.keep)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
