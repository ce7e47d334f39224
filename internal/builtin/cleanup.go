package builtin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"upkeep/internal/job"
	"upkeep/internal/persist"
	logx "upkeep/pkg/logx"
)

// CleanupReport is the return value of system.cleanup.
type CleanupReport struct {
	Removed int      `json:"removed"`
	Bytes   int64    `json:"bytes"`
	Errors  []string `json:"errors,omitempty"`
}

type cleanupHandler struct{ d Deps }

// Run removes files whose base name matches cleanup.pattern and that are older
// than cleanup.min_age. Only the top level of each directory is scanned.
func (h cleanupHandler) Run(ctx context.Context, inv job.Invocation) (any, error) {
	cfg := h.d.cfg()
	dirs := cfg.Strings("cleanup.dirs", []string{os.TempDir()})
	pattern := cfg.String("cleanup.pattern", "tmp*")
	if pattern == "" {
		pattern = "tmp*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-cfg.Duration("cleanup.min_age", 24*time.Hour))

	var rep CleanupReport
	for _, dir := range dirs {
		dir = persist.ExpandHome(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				rep.Errors = append(rep.Errors, err.Error())
			}
			continue
		}
		for _, de := range entries {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if ok, _ := filepath.Match(pattern, de.Name()); !ok || de.IsDir() {
				continue
			}
			info, err := de.Info()
			if err != nil || !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				continue
			}
			rep.Removed++
			rep.Bytes += info.Size()
		}
	}
	h.d.Log.Info("cleanup finished",
		logx.String("job_id", inv.JobID),
		logx.Int("removed", rep.Removed),
		logx.Int64("bytes", rep.Bytes),
		logx.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}
