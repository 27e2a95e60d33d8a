package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/db"
)

// HandleUserManagement lists all users.
func (h *Handlers) HandleUserManagement(w http.ResponseWriter, r *http.Request) {
	users, err := db.ListUsers(r.Context(), h.db, false)
	if err != nil {
		internalError(w, r, "list users failed", err)
		return
	}
	if users == nil {
		users = []db.User{}
	}
	h.logActivity(r, "view_user_management", map[string]any{"user_count": len(users)})
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type addUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// HandleAddUser creates an admin or chatter after validating username and password strength.
func (h *Handlers) HandleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := auth.ValidateUsername(req.Username); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(w, r, "hash password failed", err)
		return
	}
	u, err := db.CreateUser(r.Context(), h.db, req.Username, hash, req.IsAdmin)
	if errors.Is(err, db.ErrDuplicate) {
		sendError(w, http.StatusConflict, "Username already exists")
		return
	}
	if err != nil {
		internalError(w, r, "create user failed", err)
		return
	}
	h.logActivity(r, "add_user", map[string]any{"new_user_id": u.ID, "username": u.Username, "is_admin": u.IsAdmin})
	sendResult(w, http.StatusCreated, true, "User created successfully", map[string]any{"user": u})
}

// HandleDeleteUser removes a user and its assignments. Admins cannot delete themselves.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c := auth.ClaimsFrom(r.Context()); c != nil && c.UserID == id {
		sendError(w, http.StatusBadRequest, "Cannot delete yourself")
		return
	}
	err = db.DeleteUser(r.Context(), h.db, id)
	if errors.Is(err, db.ErrNotFound) {
		sendError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		internalError(w, r, "delete user failed", err)
		return
	}
	h.logActivity(r, "delete_user", map[string]any{"deleted_user_id": id})
	sendResult(w, http.StatusOK, true, "User deleted successfully", nil)
}
