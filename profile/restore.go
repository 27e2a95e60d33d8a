package profile

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/St-Ryzen/MNL/retry"
)

// PreservedSuffix is appended to a profile directory that is moved aside
// before a restore.
const PreservedSuffix = "_existing_backup"

// RestoreReport summarizes a completed restore.
type RestoreReport struct {
	Contents
	Target    string        `json:"target"`
	Preserved string        `json:"preserved,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Restorer extracts archives into profile directories. The zero value uses
// retry.CopyPolicy for file-system steps and the default logger.
type Restorer struct {
	Policy retry.Policy
	Logger *slog.Logger
}

func (r *Restorer) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "profile_restore"))
}

// PreservedPath returns where an existing target is moved before a restore.
func PreservedPath(target string) string { return filepath.Clean(target) + PreservedSuffix }

// RestorePath returns the temporary archive written during a restore.
func RestorePath(target string) string { return filepath.Clean(target) + "_restore.zip" }

// Restore replaces target with the contents of data. An existing target is
// renamed to PreservedPath(target), replacing any previously preserved copy;
// it is never deleted. Extraction errors are returned without retry.
func (r *Restorer) Restore(ctx context.Context, data []byte, target string) (*RestoreReport, error) {
	if len(data) == 0 {
		return nil, ErrNoBackup
	}
	start := time.Now()
	log := r.logger().With(slog.String("profile", target))
	p := r.Policy
	if p.MaxAttempts == 0 {
		p = retry.CopyPolicy()
	}

	if _, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("open backup archive: %w", err)
	}

	rep := &RestoreReport{Target: target}
	if _, err := os.Stat(target); err == nil {
		preserved := PreservedPath(target)
		err := retry.Do(ctx, p, func() error {
			if err := os.RemoveAll(preserved); err != nil {
				return err
			}
			return os.Rename(target, preserved)
		})
		if err != nil {
			return nil, fmt.Errorf("move existing profile aside: %w", err)
		}
		rep.Preserved = preserved
		log.Info("moved existing profile aside", slog.String("preserved", preserved))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat profile: %w", err)
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}

	tmp := RestorePath(target)
	if err := retry.Do(ctx, p, func() error { return os.WriteFile(tmp, data, 0o600) }); err != nil {
		return nil, fmt.Errorf("write restore archive: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("could not remove restore archive", slog.Any("err", err))
		}
	}()

	names, err := extract(tmp, target)
	if err != nil {
		return nil, fmt.Errorf("extract backup: %w", err)
	}
	rep.Contents = summarize(names)
	rep.Duration = time.Since(start)

	log.Info("profile restored",
		slog.Int("total_files", rep.TotalFiles),
		slog.Int("session_files", rep.SessionFiles),
		slog.Int("extension_files", rep.ExtensionFiles),
		slog.Any("extension_ids", rep.ExtensionIDs),
		slog.Int("zip_bytes", len(data)))
	if !rep.HasExtensions {
		log.Warn("no installed extensions found in backup")
	}
	if rep.SessionFiles == 0 {
		log.Warn("no session files found in backup")
	}
	return rep, nil
}

// extract writes every entry of the archive at src below dst and returns the
// entry names. Entries that would land outside dst are rejected.
func extract(src, dst string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	root := filepath.Clean(dst)
	names := make([]string, 0, len(zr.File))
	for _, zf := range zr.File {
		out := filepath.Join(root, filepath.FromSlash(zf.Name))
		if out != root && !strings.HasPrefix(out, root+string(os.PathSeparator)) {
			return names, fmt.Errorf("illegal entry path %q", zf.Name)
		}
		names = append(names, zf.Name)
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return names, err
			}
			continue
		}
		if err := extractFile(zf, out); err != nil {
			return names, fmt.Errorf("%s: %w", zf.Name, err)
		}
	}
	return names, nil
}

func extractFile(zf *zip.File, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	w, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if !zf.Modified.IsZero() {
		_ = os.Chtimes(out, zf.Modified, zf.Modified)
	}
	return nil
}
