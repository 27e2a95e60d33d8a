package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/St-Ryzen/MNL/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin checks credentials, sets the session cookie and returns the token.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		sendError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	u, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		logger(r).Warn("login failed", slog.String("username", req.Username), slog.String("ip", clientIP(r)))
		sendError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		internalError(w, r, "login failed", err)
		return
	}
	token, exp, err := h.auth.Issue(u)
	if err != nil {
		internalError(w, r, "issue token failed", err)
		return
	}
	h.auth.SetCookie(w, token, exp)
	h.logActivityAs(r.Context(), r, u.ID, "login", map[string]any{"username": u.Username})
	sendResult(w, http.StatusOK, true, "Logged in", map[string]any{
		"token":      token,
		"expires_at": exp,
		"user":       u,
	})
}

// HandleLogout clears the session cookie. A valid session is recorded in the activity log.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil {
		if claims, err := h.auth.Parse(c.Value); err == nil {
			h.logActivityAs(r.Context(), r, claims.UserID, "logout", nil)
		}
	}
	h.auth.ClearCookie(w)
	sendResult(w, http.StatusOK, true, "Logged out", nil)
}
