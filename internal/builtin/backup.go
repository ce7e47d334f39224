package builtin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"upkeep/internal/engine"
	"upkeep/internal/job"
	"upkeep/internal/persist"
	logx "upkeep/pkg/logx"
)

const backupPrefix = "upkeep-backup-"

// BackupReport is the return value of config.backup.
type BackupReport struct {
	Archive string   `json:"archive"`
	Files   int      `json:"files"`
	Bytes   int64    `json:"bytes"`
	Pruned  []string `json:"pruned,omitempty"`
}

type backupHandler struct{ d Deps }

func (h backupHandler) Run(ctx context.Context, inv job.Invocation) (any, error) {
	cfg := h.d.cfg()
	dir := persist.ExpandHome(cfg.String("backup.dir", "~/.upkeep/backups"))
	paths := cfg.Strings("backup.paths", nil)
	if v, ok := inv.Kwargs["paths"].([]any); ok {
		paths = paths[:0:0]
		for _, p := range v {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	if len(paths) == 0 {
		return nil, engine.NoRetry(errors.New("backup.paths is empty"))
	}
	keep := cfg.Int("backup.keep", 8)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, backupPrefix+time.Now().UTC().Format("20060102T150405Z")+".tar.gz")
	rep, err := writeArchive(ctx, name, paths)
	if err != nil {
		_ = os.Remove(name)
		_ = os.Remove(name + ".tmp")
		return nil, err
	}
	rep.Pruned = pruneBackups(dir, keep)
	h.d.Log.Info("backup written",
		logx.String("job_id", inv.JobID),
		logx.String("archive", rep.Archive),
		logx.Int("files", rep.Files),
		logx.Int64("bytes", rep.Bytes),
	)
	return rep, nil
}

// writeArchive tars paths into name atomically. Missing paths are skipped.
func writeArchive(ctx context.Context, name string, paths []string) (BackupReport, error) {
	rep := BackupReport{Archive: name}
	tmp := name + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return rep, err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := func() error {
		for _, root := range paths {
			root = persist.ExpandHome(strings.TrimSpace(root))
			if root == "" {
				continue
			}
			err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						return nil
					}
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				info, err := de.Info()
				if err != nil {
					return err
				}
				if !info.Mode().IsRegular() && !info.IsDir() {
					return nil
				}
				hdr, err := tar.FileInfoHeader(info, "")
				if err != nil {
					return err
				}
				hdr.Name = strings.TrimPrefix(filepath.ToSlash(p), "/")
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				src, err := os.Open(p)
				if err != nil {
					return err
				}
				n, err := io.Copy(tw, src)
				_ = src.Close()
				if err != nil {
					return err
				}
				rep.Files++
				rep.Bytes += n
				return nil
			})
			if err != nil {
				return fmt.Errorf("archive %s: %w", root, err)
			}
		}
		return nil
	}()

	closeErr := errors.Join(tw.Close(), gz.Close(), f.Close())
	if walkErr != nil {
		return rep, walkErr
	}
	if closeErr != nil {
		return rep, closeErr
	}
	return rep, os.Rename(tmp, name)
}

// pruneBackups keeps the newest keep archives in dir and returns what it removed.
func pruneBackups(dir string, keep int) []string {
	if keep <= 0 {
		return nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, backupPrefix+"*.tar.gz"))
	// Names embed a sortable UTC timestamp.
	sort.Strings(matches)
	if len(matches) <= keep {
		return nil
	}
	var removed []string
	for _, p := range matches[:len(matches)-keep] {
		if os.Remove(p) == nil {
			removed = append(removed, p)
		}
	}
	return removed
}
