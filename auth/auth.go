// Package auth handles user passwords, session tokens and request authentication.
package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/telemetry"
)

// CookieName carries the session token in browsers.
const CookieName = "mnl_session"

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims are the session token claims.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Auth issues and checks session tokens.
type Auth struct {
	db         *sql.DB
	secret     []byte
	ttl        time.Duration
	adminToken string
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

// New returns an Auth. database may be nil, in which case tokens are trusted without
// checking that the user still exists. adminToken enables the X-Admin-Token header.
func New(database *sql.DB, secret string, ttl time.Duration, adminToken string) *Auth {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Auth{db: database, secret: []byte(secret), ttl: ttl, adminToken: adminToken}
}

// Issue signs a token for u.
func (a *Auth) Issue(u *db.User) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "mnl",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

// Parse validates tokenStr and returns its claims.
func (a *Auth) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate checks username and password against the users table.
func (a *Auth) Authenticate(ctx context.Context, username, password string) (*db.User, error) {
	u, err := db.GetUserByUsername(ctx, a.db, username)
	if errors.Is(err, db.ErrNotFound) {
		telemetry.RecordAuth(false)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		telemetry.RecordAuth(false)
		return nil, ErrInvalidCredentials
	}
	telemetry.RecordAuth(true)
	return u, nil
}

// EnsureDefaultAdmin creates user "admin" with password when no admin exists.
func (a *Auth) EnsureDefaultAdmin(ctx context.Context, password string) error {
	ok, err := db.AdminExists(ctx, a.db)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if ok {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := db.CreateUser(ctx, a.db, "admin", hash, true); err != nil && !errors.Is(err, db.ErrDuplicate) {
		return fmt.Errorf("create default admin: %w", err)
	}
	slog.Warn("no admin found, created default admin user; change its password immediately",
		slog.String("component", "auth"), slog.String("username", "admin"))
	return nil
}

// SetCookie stores token in the session cookie.
func (a *Auth) SetCookie(w http.ResponseWriter, token string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   a.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (a *Auth) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware authenticates the request from the X-Admin-Token header, the session cookie
// or a Bearer token, and stores the claims in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken != "" {
			if t := r.Header.Get("X-Admin-Token"); t != "" && subtle.ConstantTimeCompare([]byte(t), []byte(a.adminToken)) == 1 {
				claims := &Claims{Username: "automation", IsAdmin: true}
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}
		}
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "Login required")
			return
		}
		claims, err := a.Parse(tokenStr)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, "Session expired, please log in again")
			return
		}
		if a.db != nil {
			if _, err := db.GetUser(r.Context(), a.db, claims.UserID); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					sendAuthError(w, http.StatusUnauthorized, "User no longer exists")
					return
				}
				slog.Error("user lookup failed", slog.String("component", "auth"), slog.Any("err", err))
				sendAuthError(w, http.StatusInternalServerError, "Internal error")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin rejects non-admin users. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := ClaimsFrom(r.Context())
		if c == nil || !c.IsAdmin {
			sendAuthError(w, http.StatusForbidden, "Access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithClaims returns ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// ClaimsFrom returns the claims stored by Middleware, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message})
}
