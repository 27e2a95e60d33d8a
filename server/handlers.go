package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/crypto"
	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/session"
	"github.com/St-Ryzen/MNL/store"
	"github.com/St-Ryzen/MNL/telemetry"
	"github.com/St-Ryzen/MNL/updater"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Deps are the collaborators of the handlers.
type Deps struct {
	DB          *sql.DB
	Encryptor   crypto.Encryptor
	Auth        *auth.Auth
	Sessions    *session.Orchestrator
	Store       store.Store
	Updater     *updater.Updater
	ProfilesDir string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db          *sql.DB
	enc         crypto.Encryptor
	auth        *auth.Auth
	sessions    *session.Orchestrator
	store       store.Store
	updater     *updater.Updater
	profilesDir string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	st := d.Store
	if st == nil && d.Sessions != nil {
		st = d.Sessions.Store
	}
	return &Handlers{
		db:          d.DB,
		enc:         d.Encryptor,
		auth:        d.Auth,
		sessions:    d.Sessions,
		store:       st,
		updater:     d.Updater,
		profilesDir: d.ProfilesDir,
	}
}

func logger(r *http.Request) *slog.Logger {
	return telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// sendResult answers {"success":..,"message":..} plus any extra fields.
func sendResult(w http.ResponseWriter, code int, success bool, message string, extra map[string]any) {
	body := map[string]any{"success": success, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendResult(w, code, false, message, nil)
}

// internalError logs err and answers 500 without leaking details.
func internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	logger(r).Error(what, slog.Any("err", err))
	sendError(w, http.StatusInternalServerError, "Internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// logActivity records an action of the caller. Failures are logged, never returned.
func (h *Handlers) logActivity(r *http.Request, action string, details map[string]any) {
	var uid int64
	if c := auth.ClaimsFrom(r.Context()); c != nil {
		uid = c.UserID
	}
	h.logActivityAs(r.Context(), r, uid, action, details)
}

func (h *Handlers) logActivityAs(ctx context.Context, r *http.Request, uid int64, action string, details map[string]any) {
	if h.db == nil {
		return
	}
	if err := db.LogActivity(ctx, h.db, uid, action, details, clientIP(r)); err != nil {
		logger(r).Warn("failed to write activity log", slog.String("action", action), slog.Any("err", err))
	}
}

// sessionAccount loads an account with its decrypted password.
func (h *Handlers) sessionAccount(ctx context.Context, a *db.ModelAccount) (session.Account, error) {
	pw, err := db.AccountPassword(ctx, h.db, h.enc, a.ID)
	if err != nil {
		return session.Account{}, fmt.Errorf("failed to decrypt password: %w", err)
	}
	login := a.ActualUsername
	if login == "" {
		login = a.ModelUsername
	}
	return session.Account{ID: a.ID, ModelUsername: a.ModelUsername, LoginUsername: login, Password: pw}, nil
}

// loadAccount answers 404 and returns nil when id does not exist.
func (h *Handlers) loadAccount(w http.ResponseWriter, r *http.Request, id int64) *db.ModelAccount {
	a, err := db.GetAccount(r.Context(), h.db, id)
	if errors.Is(err, db.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Account not found")
		return nil
	}
	if err != nil {
		internalError(w, r, "load account failed", err)
		return nil
	}
	return a
}
