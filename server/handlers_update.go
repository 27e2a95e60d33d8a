package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/St-Ryzen/MNL/updater"
)

// HandleVersion reports the installed version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	version := updater.Unknown
	if h.updater != nil {
		version = h.updater.Current()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      version,
		"last_updated": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleCheckUpdates asks the release feed for a newer version.
func (h *Handlers) HandleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	info, err := h.updater.Check(r.Context())
	if err != nil {
		logger(r).Error("error checking for updates", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"update_available": false,
			"error":            "Error checking for updates: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleInstallUpdate checks for a newer release and installs it. The process has to be
// restarted afterwards.
func (h *Handlers) HandleInstallUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.updater.Check(ctx)
	if err != nil {
		logger(r).Error("error checking for updates", slog.Any("err", err))
		sendError(w, http.StatusBadGateway, "Error checking for updates: "+err.Error())
		return
	}
	res, err := h.updater.Install(ctx, info)
	if errors.Is(err, updater.ErrNoUpdate) {
		sendResult(w, http.StatusOK, false, "No updates available", nil)
		return
	}
	if err != nil {
		logger(r).Error("error installing update", slog.Any("err", err))
		extra := map[string]any{}
		if res != nil {
			extra["backup_path"] = res.BackupPath
		}
		sendResult(w, http.StatusInternalServerError, false, "Error installing update: "+err.Error(), extra)
		return
	}
	h.logActivity(r, "system_update", map[string]any{
		"from_version": info.CurrentVersion,
		"to_version":   info.LatestVersion,
	})
	writeJSON(w, http.StatusOK, res)
}
