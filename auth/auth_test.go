package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/testutil"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"chatter_1", false},
		{"a-b", false},
		{"ab", true},
		{strings.Repeat("x", 51), true},
		{"bad name", true},
		{"<script>", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if err := ValidateUsername(tt.in); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"Secret123", false},
		{"Sh0rt", true},
		{"alllowercase1", true},
		{"ALLUPPERCASE1", true},
		{"NoDigitsHere", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if err := ValidatePassword(tt.in); (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("  <b>model</b> "); got != "&lt;b&gt;model&lt;/b&gt;" {
		t.Errorf("Sanitize() = %q", got)
	}
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("Secret123")
	if err != nil {
		t.Fatal(err)
	}
	if h == "Secret123" || !CheckPassword(h, "Secret123") || CheckPassword(h, "secret123") {
		t.Error("bcrypt round trip failed")
	}
}

func TestIssueAndParse(t *testing.T) {
	a := New(nil, "test-secret", time.Hour, "")
	tok, exp, err := a.Issue(&db.User{ID: 4, Username: "chatter", IsAdmin: false})
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry %v too early", exp)
	}
	c, err := a.Parse(tok)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.UserID != 4 || c.Username != "chatter" || c.IsAdmin {
		t.Errorf("claims = %+v", c)
	}

	if _, err := New(nil, "other-secret", time.Hour, "").Parse(tok); err == nil {
		t.Error("token accepted with the wrong secret")
	}

	expired := New(nil, "test-secret", time.Hour, "")
	claims := &Claims{UserID: 4, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}
	old, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if _, err := expired.Parse(old); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expired token err = %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	a := New(nil, "test-secret", time.Hour, "auto-token")
	admin, _, _ := a.Issue(&db.User{ID: 1, Username: "admin", IsAdmin: true})
	chatter, _, _ := a.Issue(&db.User{ID: 2, Username: "chatter"})

	var seen *Claims
	h := a.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"no credentials", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
		{"admin bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+admin) }, http.StatusOK, "admin"},
		{"admin cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: admin}) }, http.StatusOK, "admin"},
		{"chatter forbidden", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: chatter}) }, http.StatusForbidden, ""},
		{"admin token header", func(r *http.Request) { r.Header.Set("X-Admin-Token", "auto-token") }, http.StatusOK, "automation"},
		{"wrong admin token", func(r *http.Request) { r.Header.Set("X-Admin-Token", "auto") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.user != "" && (seen == nil || seen.Username != tt.user) {
				t.Errorf("claims = %+v, want user %s", seen, tt.user)
			}
		})
	}
}

func TestCookies(t *testing.T) {
	a := New(nil, "s", time.Hour, "")
	rr := httptest.NewRecorder()
	a.SetCookie(rr, "tok", time.Now().Add(time.Hour))
	a.ClearCookie(rr)
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 || cookies[0].Value != "tok" || !cookies[0].HttpOnly || cookies[1].MaxAge >= 0 {
		t.Errorf("cookies = %+v", cookies)
	}
}

func TestAuthenticateAndDefaultAdmin(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	a := New(database, "s", time.Hour, "")

	if err := a.EnsureDefaultAdmin(ctx, "admin123"); err != nil {
		t.Fatal(err)
	}
	if err := a.EnsureDefaultAdmin(ctx, "ignored"); err != nil {
		t.Fatal(err)
	}
	u, err := a.Authenticate(ctx, "admin", "admin123")
	if err != nil || !u.IsAdmin {
		t.Fatalf("Authenticate() = %+v, %v", u, err)
	}
	if _, err := a.Authenticate(ctx, "admin", "ignored"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("second EnsureDefaultAdmin replaced the password: %v", err)
	}
	if _, err := a.Authenticate(ctx, "ghost", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user err = %v", err)
	}

	tok, _, _ := a.Issue(&db.User{ID: 999, Username: "deleted"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler reached for a deleted user")
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rr.Code)
	}
}
