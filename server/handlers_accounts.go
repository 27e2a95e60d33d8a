package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/session"
)

type chatterRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type accountView struct {
	db.ModelAccount
	AssignedChatters []chatterRef `json:"assigned_chatters"`
}

// withChatters resolves assigned chatter ids against users. Unknown ids are dropped.
func withChatters(accounts []db.ModelAccount, users []db.User) []accountView {
	byID := make(map[int64]db.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		v := accountView{ModelAccount: a, AssignedChatters: []chatterRef{}}
		for _, id := range a.AssignedChatterIDs {
			if u, ok := byID[id]; ok {
				v.AssignedChatters = append(v.AssignedChatters, chatterRef{ID: u.ID, Username: u.Username})
			}
		}
		out = append(out, v)
	}
	return out
}

// HandleDashboard lists every account with its chatters for admins, and only the assigned
// accounts for chatters.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)
	if !claims.IsAdmin {
		accounts, err := db.ListAccounts(ctx, h.db, claims.UserID)
		if err != nil {
			internalError(w, r, "list accounts failed", err)
			return
		}
		views := withChatters(accounts, nil)
		h.logActivity(r, "view_dashboard", map[string]any{"role": "chatter", "account_count": len(views)})
		writeJSON(w, http.StatusOK, map[string]any{"is_admin": false, "accounts": views})
		return
	}

	accounts, err := db.ListAccounts(ctx, h.db, 0)
	if err != nil {
		internalError(w, r, "list accounts failed", err)
		return
	}
	users, err := db.ListUsers(ctx, h.db, false)
	if err != nil {
		internalError(w, r, "list users failed", err)
		return
	}
	assigned := 0
	for _, a := range accounts {
		if len(a.AssignedChatterIDs) > 0 {
			assigned++
		}
	}
	h.logActivity(r, "view_dashboard", map[string]any{"role": "admin", "account_count": len(accounts)})
	writeJSON(w, http.StatusOK, map[string]any{
		"is_admin":                  true,
		"accounts":                  withChatters(accounts, users),
		"users":                     users,
		"assigned_accounts_count":   assigned,
		"unassigned_accounts_count": len(accounts) - assigned,
	})
}

// HandleModelAccounts lists all accounts with their assigned chatters.
func (h *Handlers) HandleModelAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accounts, err := db.ListAccounts(ctx, h.db, 0)
	if err != nil {
		internalError(w, r, "list accounts failed", err)
		return
	}
	users, err := db.ListUsers(ctx, h.db, false)
	if err != nil {
		internalError(w, r, "list users failed", err)
		return
	}
	h.logActivity(r, "view_model_accounts", map[string]any{"account_count": len(accounts)})
	writeJSON(w, http.StatusOK, map[string]any{"accounts": withChatters(accounts, users), "users": users})
}

type setupRequest struct {
	ModelUsername  string `json:"model_username"`
	ActualUsername string `json:"actual_username"`
	ModelPassword  string `json:"model_password"`
	ChatterID      int64  `json:"chatter_id"`
}

// HandleSetupAccount creates an account and opens a browser on its new profile so the admin can
// log in and install extensions. The account is kept even when the browser fails.
func (h *Handlers) HandleSetupAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setupRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	modelUsername := auth.Sanitize(req.ModelUsername)
	actualUsername := auth.Sanitize(req.ActualUsername)
	if modelUsername == "" || req.ModelPassword == "" {
		sendError(w, http.StatusBadRequest, "Model username and password are required")
		return
	}

	existing, err := db.ListAccounts(ctx, h.db, 0)
	if err != nil {
		internalError(w, r, "list accounts failed", err)
		return
	}
	for _, a := range existing {
		if strings.EqualFold(a.ModelUsername, modelUsername) {
			sendError(w, http.StatusConflict, `Model username "`+modelUsername+`" already exists. Please choose a different name.`)
			return
		}
	}

	var chatters []int64
	if req.ChatterID != 0 {
		chatters = []int64{req.ChatterID}
	}
	acc, err := db.CreateAccount(ctx, h.db, h.enc, modelUsername, actualUsername, req.ModelPassword, chatters)
	if errors.Is(err, db.ErrDuplicate) {
		sendError(w, http.StatusConflict, `Model username "`+modelUsername+`" already exists. Please choose a different name.`)
		return
	}
	if err != nil {
		internalError(w, r, "create account failed", err)
		return
	}

	details := map[string]any{
		"model_username":      modelUsername,
		"actual_username":     actualUsername,
		"assigned_chatter_id": req.ChatterID,
	}
	sa, err := h.sessionAccount(ctx, acc)
	var msg string
	if err == nil {
		msg, err = h.sessions.Setup(ctx, sa)
	}
	if err != nil {
		logger(r).Warn("account created but browser session failed", slog.Int64("account_id", acc.ID), slog.Any("err", err))
		details["browser_opened"] = false
		details["browser_error"] = err.Error()
		h.logActivity(r, "setup_account", details)
		sendResult(w, http.StatusCreated, true,
			`Account "`+modelUsername+`" created, but browser session failed: `+err.Error(),
			map[string]any{"account_id": acc.ID, "browser_opened": false})
		return
	}
	details["browser_opened"] = true
	h.logActivity(r, "setup_account", details)
	sendResult(w, http.StatusCreated, true,
		`Account "`+modelUsername+`" created successfully! Browser opened for extension installation. You can backup the browser profile after installing extensions.`,
		map[string]any{"account_id": acc.ID, "browser_opened": true, "session_message": msg})
}

type testLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleTestLogin checks site credentials in a headless browser without creating anything.
func (h *Handlers) HandleTestLogin(w http.ResponseWriter, r *http.Request) {
	var req testLoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		sendError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if err := h.sessions.TestLogin(r.Context(), req.Username, req.Password); err != nil {
		logger(r).Info("test login failed", slog.Any("err", err))
		sendResult(w, http.StatusOK, false, "Login failed: "+err.Error(), nil)
		return
	}
	sendResult(w, http.StatusOK, true, "Login successful", nil)
}

// HandleDeleteAccount closes the account browser, removes its profile directory and deletes it.
func (h *Handlers) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc := h.loadAccount(w, r, id)
	if acc == nil {
		return
	}
	sa := sessionAccountNoSecret(acc)
	if err := h.sessions.Remove(r.Context(), sa); err != nil {
		logger(r).Warn("could not clean up profile directory", slog.Int64("account_id", id), slog.Any("err", err))
	}
	if err := db.DeleteAccount(r.Context(), h.db, id); err != nil {
		internalError(w, r, "delete account failed", err)
		return
	}
	h.logActivity(r, "delete_account", map[string]any{"account_id": id, "model_username": acc.ModelUsername})
	sendResult(w, http.StatusOK, true, "Account deleted successfully", nil)
}

// HandleLaunchAccount restores the stored profile and opens a session for an assigned chatter
// or an admin.
func (h *Handlers) HandleLaunchAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc := h.loadAccount(w, r, id)
	if acc == nil {
		return
	}
	claims := auth.ClaimsFrom(ctx)
	if !claims.IsAdmin && !acc.IsAssigned(claims.UserID) {
		logger(r).Warn("launch denied", slog.Int64("account_id", id), slog.Int64("user_id", claims.UserID))
		sendError(w, http.StatusForbidden, "Access denied")
		return
	}
	sa, err := h.sessionAccount(ctx, acc)
	if err != nil {
		internalError(w, r, "load account password failed", err)
		return
	}

	res, err := h.sessions.Open(ctx, sa)
	if err != nil {
		sendResult(w, http.StatusOK, false, err.Error(), nil)
		return
	}
	h.logActivity(r, "launch_account", map[string]any{
		"account_id":       id,
		"model_username":   acc.ModelUsername,
		"profile_restored": res.ProfileRestored,
		"status":           res.Status,
	})
	sendResult(w, http.StatusOK, true, res.Message, map[string]any{
		"status":           res.Status,
		"profile_restored": res.ProfileRestored,
		"state_applied":    res.StateApplied,
	})
}

// HandleBackupProfile archives the account profile into the store.
func (h *Handlers) HandleBackupProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc := h.loadAccount(w, r, id)
	if acc == nil {
		return
	}
	res, err := h.sessions.Backup(r.Context(), sessionAccountNoSecret(acc))
	switch {
	case errors.Is(err, profile.ErrProfileMissing):
		sendError(w, http.StatusNotFound, "Browser profile directory not found. Please launch the account first.")
		return
	case err != nil:
		logger(r).Error("backup failed", slog.Int64("account_id", id), slog.Any("err", err))
		sendError(w, http.StatusInternalServerError, "Backup failed: "+err.Error())
		return
	}
	h.logActivity(r, "backup_profile", map[string]any{
		"account_id":     id,
		"model_username": acc.ModelUsername,
		"files_added":    res.FilesAdded,
		"size_mb":        res.SizeMB,
	})
	sendResult(w, http.StatusOK, true, "Browser profile backed up successfully", map[string]any{"details": res})
}

// HandleBackupStatus reports whether a backup is stored and what it contains.
func (h *Handlers) HandleBackupStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	acc := h.loadAccount(w, r, id)
	if acc == nil {
		return
	}
	encoded, err := h.store.GetBackup(r.Context(), id)
	if err != nil {
		internalError(w, r, "load backup failed", err)
		return
	}
	out := map[string]any{
		"has_backup":     encoded != "",
		"model_username": acc.ModelUsername,
		"status_text":    "No backup",
	}
	if encoded != "" {
		out["status_text"] = "Backup exists"
		if c, err := profile.VerifyEncoded(encoded); err == nil {
			out["verification"] = c
			out["status_text"] = plural(c.ExtensionCount, "extension")
		} else {
			logger(r).Warn("stored backup does not verify", slog.Int64("account_id", id), slog.Any("err", err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type assignRequest struct {
	AccountID int64  `json:"account_id"`
	ChatterID int64  `json:"chatter_id"`
	Action    string `json:"action"`
}

// HandleAssignChatter assigns or unassigns a chatter, or clears all assignments of an account.
func (h *Handlers) HandleAssignChatter(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action == "" {
		req.Action = db.ActionAssign
	}
	if req.Action != db.ActionUnassignAll && req.ChatterID <= 0 {
		sendError(w, http.StatusBadRequest, "chatter_id is required")
		return
	}
	acc := h.loadAccount(w, r, req.AccountID)
	if acc == nil {
		return
	}
	next, err := db.ApplyAssignment(acc.AssignedChatterIDs, req.Action, req.ChatterID)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := db.SetAssignments(r.Context(), h.db, acc.ID, next); err != nil {
		internalError(w, r, "update assignments failed", err)
		return
	}
	logger(r).Info("assignments updated", slog.Int64("account_id", acc.ID), slog.String("action", req.Action), slog.Any("chatters", next))
	h.logActivity(r, "chatter_"+req.Action, map[string]any{
		"account_id":          acc.ID,
		"chatter_id":          req.ChatterID,
		"current_assignments": next,
	})
	sendResult(w, http.StatusOK, true, "Assignment updated successfully", map[string]any{"assigned_chatter_ids": next})
}

// sessionAccountNoSecret is enough for operations that never log in.
func sessionAccountNoSecret(a *db.ModelAccount) session.Account {
	return session.Account{ID: a.ID, ModelUsername: a.ModelUsername, LoginUsername: a.ActualUsername}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
