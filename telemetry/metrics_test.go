package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := BackupsTotal
	Init()
	if BackupsTotal != first {
		t.Fatal("Init() re-registered metrics")
	}
	if BackupDuration == nil || RestoreDuration == nil || SessionsOpen == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestRecordBackupCounts(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(BackupsTotal.WithLabelValues("success"))
	failBefore := testutil.ToFloat64(BackupsTotal.WithLabelValues("failure"))

	RecordBackup(true, 3*time.Second, 4<<20, 120, 30)
	RecordBackup(false, time.Second, 0, 0, 0)

	if got := testutil.ToFloat64(BackupsTotal.WithLabelValues("success")) - okBefore; got != 1 {
		t.Errorf("success delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(BackupsTotal.WithLabelValues("failure")) - failBefore; got != 1 {
		t.Errorf("failure delta = %v, want 1", got)
	}
}

func TestRecordRestoreNone(t *testing.T) {
	Init()
	before := testutil.ToFloat64(RestoresTotal.WithLabelValues("none"))
	RecordRestore(false, false, 0)
	if got := testutil.ToFloat64(RestoresTotal.WithLabelValues("none")) - before; got != 1 {
		t.Errorf("none delta = %v, want 1", got)
	}
}

func TestSessionsGauge(t *testing.T) {
	Init()
	SetSessionsOpen(3)
	if got := testutil.ToFloat64(SessionsOpen); got != 3 {
		t.Errorf("SessionsOpen = %v, want 3", got)
	}
	SetSessionsOpen(0)
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
