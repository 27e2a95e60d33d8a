package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dir returns the profile directory for a model account below base.
func Dir(base string, accountID int64, modelUsername string) string {
	return filepath.Join(base, fmt.Sprintf("account_%d_%s", accountID, modelUsername))
}

// DirUsage is the on-disk size of one directory.
type DirUsage struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Files int    `json:"files"`
}

// du sums regular file sizes below p. Unreadable entries are ignored.
func du(p string) (int64, int) {
	var (
		size  int64
		files int
	)
	_ = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
			files++
		}
		return nil
	})
	return size, files
}

// ListStaleBackups returns the directories below base left behind by
// restores (PreservedSuffix), largest first.
func ListStaleBackups(base string) ([]DirUsage, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}
	var out []DirUsage
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), PreservedSuffix) {
			continue
		}
		p := filepath.Join(base, e.Name())
		size, files := du(p)
		out = append(out, DirUsage{Name: e.Name(), Path: p, Bytes: size, Files: files})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out, nil
}

// AccountID extracts the account id from a profile or preserved directory name
// ("account_<id>_<model>").
func AccountID(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "account_")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// LockFunc runs fn while holding the per-account lock that restores also take.
type LockFunc func(ctx context.Context, accountID int64, fn func(ctx context.Context) error) error

// CleanupResult reports what RemoveStaleBackups found and removed.
type CleanupResult struct {
	Found        []DirUsage `json:"found"`
	Removed      int        `json:"removed"`
	FreedBytes   int64      `json:"freed_bytes"`
	DryRun       bool       `json:"dry_run"`
	FailedRemove []string   `json:"failed_remove,omitempty"`
}

// RemoveStaleBackups deletes preserved profile directories below base. With
// dryRun set nothing is removed. When lock is set each account's directory is
// removed under that account's lock so a concurrent restore is never cut short.
func RemoveStaleBackups(ctx context.Context, base string, dryRun bool, lock LockFunc) (*CleanupResult, error) {
	log := slog.Default().With(slog.String("component", "backup_cleanup"), slog.Bool("dry_run", dryRun))
	found, err := ListStaleBackups(base)
	if err != nil {
		return nil, err
	}
	res := &CleanupResult{Found: found, DryRun: dryRun}
	for _, b := range found {
		if dryRun {
			log.Info("would remove stale backup", slog.String("dir", b.Name), slog.Int64("bytes", b.Bytes))
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		remove := func(context.Context) error { return os.RemoveAll(b.Path) }
		var err error
		if id, ok := AccountID(b.Name); ok && lock != nil {
			err = lock(ctx, id, remove)
		} else {
			err = remove(ctx)
		}
		if err != nil {
			log.Warn("failed to remove stale backup", slog.String("dir", b.Name), slog.Any("err", err))
			res.FailedRemove = append(res.FailedRemove, b.Name)
			continue
		}
		res.Removed++
		res.FreedBytes += b.Bytes
		log.Info("removed stale backup", slog.String("dir", b.Name), slog.Int64("bytes", b.Bytes))
	}
	return res, nil
}

// Report is the storage breakdown of a profiles directory.
type Report struct {
	Profiles     []DirUsage `json:"profiles"`
	Backups      []DirUsage `json:"backups"`
	ProfileBytes int64      `json:"profile_bytes"`
	ProfileFiles int        `json:"profile_files"`
	BackupBytes  int64      `json:"backup_bytes"`
}

// TotalBytes is the size of active profiles plus preserved copies.
func (r *Report) TotalBytes() int64 { return r.ProfileBytes + r.BackupBytes }

// StorageReport sizes every account_* profile and preserved copy below base.
// Directories are walked in parallel.
func StorageReport(ctx context.Context, base string) (*Report, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Report{}, nil
		}
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	var (
		mu  sync.Mutex
		rep Report
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			continue
		}
		backup := strings.HasSuffix(name, PreservedSuffix)
		if !backup && !strings.HasPrefix(name, "account_") {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := filepath.Join(base, name)
			size, files := du(p)
			u := DirUsage{Name: name, Path: p, Bytes: size, Files: files}
			mu.Lock()
			defer mu.Unlock()
			if backup {
				rep.Backups = append(rep.Backups, u)
				rep.BackupBytes += size
			} else {
				rep.Profiles = append(rep.Profiles, u)
				rep.ProfileBytes += size
				rep.ProfileFiles += files
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	bySize := func(s []DirUsage) {
		sort.Slice(s, func(i, j int) bool {
			if s[i].Bytes == s[j].Bytes {
				return s[i].Name < s[j].Name
			}
			return s[i].Bytes > s[j].Bytes
		})
	}
	bySize(rep.Profiles)
	bySize(rep.Backups)
	return &rep, nil
}
