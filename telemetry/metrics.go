// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	BackupsTotal  *prometheus.CounterVec // result=success|failure
	RestoresTotal *prometheus.CounterVec // result=success|failure|none
	RetriesTotal  *prometheus.CounterVec // policy
	AuthAttempts  *prometheus.CounterVec // result=success|failure

	// Histograms
	BackupDuration     prometheus.Observer
	RestoreDuration    prometheus.Observer
	BackupSizeBytes    prometheus.Observer
	BackupFilesAdded   prometheus.Observer
	BackupFilesSkipped prometheus.Observer

	// Gauges
	SessionsOpen prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "profile_backups_total", Help: "Profile backups by result"}, []string{"result"})
		RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "profile_restores_total", Help: "Profile restores by result"}, []string{"result"})
		RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "retry_attempts_total", Help: "Failed attempts that were retried, by policy"}, []string{"policy"})
		AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "auth_attempts_total", Help: "Login attempts by result"}, []string{"result"})
		BackupDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "profile_backup_duration_seconds", Help: "Time to build and store a profile archive", Buckets: prometheus.DefBuckets})
		RestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "profile_restore_duration_seconds", Help: "Time to restore a profile archive", Buckets: prometheus.DefBuckets})
		BackupSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{Name: "profile_backup_size_bytes", Help: "Compressed archive size", Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10)})
		BackupFilesAdded = promauto.NewHistogram(prometheus.HistogramOpts{Name: "profile_backup_files_added", Help: "Files written per archive", Buckets: prometheus.ExponentialBuckets(8, 2, 10)})
		BackupFilesSkipped = promauto.NewHistogram(prometheus.HistogramOpts{Name: "profile_backup_files_skipped", Help: "Files skipped per archive", Buckets: prometheus.ExponentialBuckets(8, 2, 10)})
		SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "browser_sessions_open", Help: "Browser sessions currently tracked by the registry"})
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordBackup records a finished backup attempt.
func RecordBackup(ok bool, d time.Duration, sizeBytes int64, added, skipped int) {
	if BackupsTotal == nil {
		return
	}
	BackupsTotal.WithLabelValues(result(ok)).Inc()
	BackupDuration.Observe(d.Seconds())
	if ok {
		BackupSizeBytes.Observe(float64(sizeBytes))
		BackupFilesAdded.Observe(float64(added))
		BackupFilesSkipped.Observe(float64(skipped))
	}
}

// RecordRestore records a restore outcome. found=false means no archive existed.
func RecordRestore(found, ok bool, d time.Duration) {
	if RestoresTotal == nil {
		return
	}
	if !found {
		RestoresTotal.WithLabelValues("none").Inc()
		return
	}
	RestoresTotal.WithLabelValues(result(ok)).Inc()
	RestoreDuration.Observe(d.Seconds())
}

// RecordRetry counts one retried attempt.
func RecordRetry(policy string) {
	if RetriesTotal != nil {
		RetriesTotal.WithLabelValues(policy).Inc()
	}
}

// RecordAuth counts a login attempt.
func RecordAuth(ok bool) {
	if AuthAttempts != nil {
		AuthAttempts.WithLabelValues(result(ok)).Inc()
	}
}

// SetSessionsOpen records the number of tracked browser sessions.
func SetSessionsOpen(n int) {
	if SessionsOpen != nil {
		SessionsOpen.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
