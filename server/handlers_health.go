package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/jobs"
)

// HandleHealthz is the liveness probe: the database must answer a ping.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type readyCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (h *Handlers) readyChecks() []readyCheck {
	return []readyCheck{
		{"database", func(ctx context.Context) error { return h.db.PingContext(ctx) }},
		{"schema", func(ctx context.Context) error {
			_, err := db.AdminExists(ctx, h.db)
			return err
		}},
		{"profiles_dir", func(context.Context) error { return probeWritable(h.profilesDir) }},
	}
}

// probeWritable creates and removes a temp file in dir. An empty dir is not checked.
func probeWritable(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("profiles dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// HandleReadyz is the readiness probe. Every check runs; any failure answers 503. The last
// stale-backup cleanup run is reported when one was recorded.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results := map[string]string{}
	ready := true
	for _, c := range h.readyChecks() {
		if err := c.fn(ctx); err != nil {
			results[c.name] = err.Error()
			ready = false
			continue
		}
		results[c.name] = "ok"
	}

	body := map[string]any{"status": "ready", "checks": results}
	if ready {
		run, err := jobs.LoadLastRun(ctx, h.db)
		switch {
		case err == nil:
			body["backup_cleanup"] = run
		case !errors.Is(err, db.ErrNotFound):
			logger(r).Warn("read last cleanup run failed", slog.Any("err", err))
		}
	}
	code := http.StatusOK
	if !ready {
		body["status"] = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// HandleActivity returns the most recent activity log entries.
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := db.ListActivity(r.Context(), h.db, parseIntQuery(r, "limit", 100))
	if err != nil {
		internalError(w, r, "list activity failed", err)
		return
	}
	if entries == nil {
		entries = []db.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}
