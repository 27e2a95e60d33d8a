// Package jobs runs background maintenance tasks.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/profile"
)

// LastRunKey is the kv key holding the summary of the last cleanup run.
const LastRunKey = "job_backup_cleanup_last"

// CleanupPolicy controls the stale-backup cleanup job.
type CleanupPolicy struct {
	// ProfilesDir is scanned for preserved profile directories.
	ProfilesDir string
	// Interval between runs. Zero disables the job.
	Interval time.Duration
	// DryRun logs what would be removed without deleting anything.
	DryRun bool
	// Lock, when set, serializes each removal with restores of the same account.
	Lock profile.LockFunc
}

// LastRun is the summary stored under LastRunKey.
type LastRun struct {
	At         time.Time `json:"at"`
	Found      int       `json:"found"`
	Removed    int       `json:"removed"`
	FreedBytes int64     `json:"freed_bytes"`
	DryRun     bool      `json:"dry_run"`
	Error      string    `json:"error,omitempty"`
}

// StartBackupCleanupJob periodically removes preserved profile directories left behind by
// restores. It runs once immediately and then on every tick until ctx is done.
func StartBackupCleanupJob(ctx context.Context, dbc *sql.DB, policy CleanupPolicy) {
	if policy.Interval <= 0 {
		slog.Info("backup cleanup job disabled (no interval configured)")
		return
	}

	slog.Info("backup cleanup job starting",
		slog.String("profiles_dir", policy.ProfilesDir),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if _, err := RunBackupCleanup(ctx, dbc, policy); err != nil {
		slog.Warn("backup cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("backup cleanup job stopped")
			return
		case <-ticker.C:
			if _, err := RunBackupCleanup(ctx, dbc, policy); err != nil {
				slog.Warn("backup cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// RunBackupCleanup performs a single cleanup cycle and records its summary when dbc is set.
func RunBackupCleanup(ctx context.Context, dbc *sql.DB, policy CleanupPolicy) (*LastRun, error) {
	logger := slog.Default().With(
		slog.String("component", "backup_cleanup"),
		slog.Bool("dry_run", policy.DryRun),
	)

	run := &LastRun{At: time.Now().UTC(), DryRun: policy.DryRun}
	res, err := profile.RemoveStaleBackups(ctx, policy.ProfilesDir, policy.DryRun, policy.Lock)
	if res != nil {
		run.Found = len(res.Found)
		run.Removed = res.Removed
		run.FreedBytes = res.FreedBytes
	}
	if err != nil {
		run.Error = err.Error()
	}

	mode := "cleanup"
	if policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("backup cleanup completed",
		slog.String("mode", mode),
		slog.Int("found", run.Found),
		slog.Int("removed", run.Removed),
		slog.Int64("bytes_freed", run.FreedBytes))

	if dbc != nil {
		b, mErr := json.Marshal(run)
		if mErr == nil {
			mErr = db.SetKV(ctx, dbc, LastRunKey, string(b))
		}
		if mErr != nil {
			logger.Warn("failed to record cleanup run", slog.Any("err", mErr))
		}
	}
	if err != nil {
		return run, fmt.Errorf("remove stale backups: %w", err)
	}
	return run, nil
}

// LoadLastRun returns the summary of the last recorded run, or db.ErrNotFound.
func LoadLastRun(ctx context.Context, dbc *sql.DB) (*LastRun, error) {
	v, err := db.GetKV(ctx, dbc, LastRunKey)
	if err != nil {
		return nil, err
	}
	var run LastRun
	if err := json.Unmarshal([]byte(v), &run); err != nil {
		return nil, fmt.Errorf("decode last cleanup run: %w", err)
	}
	return &run, nil
}
