package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// fakeClock is a settable time source for the limiter.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLimiter(budgets map[limitClass]int) (*requestLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := newRequestLimiter(context.Background(), limitPolicy{enabled: false, window: time.Minute, budgets: budgets})
	l.policy.enabled = true
	l.now = clock.now
	return l, clock
}

func TestRouteClass(t *testing.T) {
	tests := []struct {
		method, path string
		want         limitClass
		limited      bool
	}{
		{http.MethodPost, "/login", classCredentials, true},
		{http.MethodPost, "/test_login", classCredentials, true},
		{http.MethodPost, "/setup_accounts", classBrowser, true},
		{http.MethodPost, "/launch_account/12", classBrowser, true},
		{http.MethodPost, "/backup_profile/3", classBrowser, true},
		{http.MethodPost, "/api/install-update", classInstall, true},
		{http.MethodGet, "/launch_account/12", "", false},
		{http.MethodPost, "/logout", "", false},
		{http.MethodGet, "/api/backup-status/3", "", false},
		{http.MethodPost, "/login/extra", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got, ok := routeClass(httptest.NewRequest(tt.method, tt.path, nil))
			if got != tt.want || ok != tt.limited {
				t.Errorf("routeClass() = %q, %v; want %q, %v", got, ok, tt.want, tt.limited)
			}
		})
	}
}

func TestRequestLimiterWindow(t *testing.T) {
	l, clock := testLimiter(map[limitClass]int{classCredentials: 3, classBrowser: 1})

	for i := 0; i < 3; i++ {
		if ok, _ := l.allow(classCredentials, "192.168.1.1"); !ok {
			t.Fatalf("request %d denied", i+1)
		}
		clock.advance(10 * time.Second)
	}
	ok, wait := l.allow(classCredentials, "192.168.1.1")
	if ok {
		t.Fatal("fourth request allowed")
	}
	// first hit was 30s ago in a one minute window
	if wait != 30*time.Second {
		t.Errorf("wait = %v, want 30s", wait)
	}

	if ok, _ := l.allow(classCredentials, "192.168.1.2"); !ok {
		t.Error("other ip denied")
	}
	if ok, _ := l.allow(classBrowser, "192.168.1.1"); !ok {
		t.Error("separate class shares the credentials budget")
	}
	if ok, _ := l.allow(classBrowser, "192.168.1.1"); ok {
		t.Error("browser budget of one not enforced")
	}

	clock.advance(31 * time.Second)
	if ok, _ := l.allow(classCredentials, "192.168.1.1"); !ok {
		t.Error("request denied after the oldest hit left the window")
	}
}

func TestRequestLimiterDisabled(t *testing.T) {
	l := newRequestLimiter(context.Background(), limitPolicy{window: time.Minute, budgets: map[limitClass]int{classCredentials: 1}})
	for i := 0; i < 50; i++ {
		if ok, _ := l.allow(classCredentials, "192.168.1.1"); !ok {
			t.Fatalf("request %d denied while disabled", i+1)
		}
	}
}

func TestRequestLimiterSweep(t *testing.T) {
	l, clock := testLimiter(map[limitClass]int{classCredentials: 5})
	l.allow(classCredentials, "10.0.0.9")
	clock.advance(30 * time.Second)
	l.allow(classCredentials, "10.0.0.10")
	clock.advance(40 * time.Second)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.hits) != 1 {
		t.Fatalf("tracked clients = %d, want 1", len(l.hits))
	}
	if _, ok := l.hits[limitKey{class: classCredentials, ip: "10.0.0.10"}]; !ok {
		t.Error("recent client swept")
	}
}

func TestLimiterMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		trustProxy bool
		remote     []string // one per request
		forwarded  []string // one per request, may be empty
	}{
		{"same ipv4", "/login", false, []string{"192.168.1.1:12345", "192.168.1.1:12345", "192.168.1.1:12345"}, nil},
		{"ipv6 port changes", "/login", false, []string{"[2001:db8::1]:12345", "[2001:db8::1]:2222", "[2001:db8::1]:54321"}, nil},
		{"trusted proxy forwards one client", "/launch_account/4", true,
			[]string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"},
			[]string{"203.0.113.1, 10.0.0.2", "203.0.113.1", "203.0.113.1, 10.0.0.9"}},
		{"rotating forwarded header is ignored", "/login", false,
			[]string{"198.51.100.7:1000", "198.51.100.7:1001", "198.51.100.7:1002"},
			[]string{"203.0.113.1", "203.0.113.2", "203.0.113.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := testLimiter(map[limitClass]int{classCredentials: 2, classBrowser: 2})
			handler := withClientIP(l.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})), tt.trustProxy)

			var last *httptest.ResponseRecorder
			for i, remote := range tt.remote {
				req := httptest.NewRequest(http.MethodPost, tt.path, nil)
				req.RemoteAddr = remote
				if i < len(tt.forwarded) {
					req.Header.Set("X-Forwarded-For", tt.forwarded[i])
				}
				last = httptest.NewRecorder()
				handler.ServeHTTP(last, req)
				if i < 2 && last.Code != http.StatusOK {
					t.Errorf("request %d: status %d", i+1, last.Code)
				}
			}
			if last.Code != http.StatusTooManyRequests {
				t.Fatalf("request 3: status %d, want 429", last.Code)
			}
			if secs, err := strconv.Atoi(last.Header().Get("Retry-After")); err != nil || secs < 1 || secs > 60 {
				t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
			}
			if ct := last.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestLoadLimitPolicy(t *testing.T) {
	for _, k := range []string{"RATE_LIMIT_ENABLED", "RATE_LIMIT_REQUESTS_PER_IP", "RATE_LIMIT_BROWSER_PER_IP", "RATE_LIMIT_WINDOW_SECONDS"} {
		t.Setenv(k, "")
	}
	p := loadLimitPolicy()
	if !p.enabled || p.window != time.Minute || p.budgets[classCredentials] != 10 || p.budgets[classBrowser] != 20 || p.budgets[classInstall] != 3 {
		t.Errorf("defaults = %+v", p)
	}

	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "3")
	t.Setenv("RATE_LIMIT_BROWSER_PER_IP", "-4")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "bogus")
	p = loadLimitPolicy()
	if p.enabled || p.window != time.Minute || p.budgets[classCredentials] != 3 || p.budgets[classBrowser] != 20 {
		t.Errorf("overrides = %+v", p)
	}
}

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", false, "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", false, "2001:db8::1"},
		{"bare remote", "192.0.2.7", "", false, "192.0.2.7"},
		{"forwarded ignored by default", "10.0.0.1:12345", "203.0.113.1", false, "10.0.0.1"},
		{"trusted forwarded list", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", true, "203.0.113.1"},
		{"trusted forwarded ipv6", "127.0.0.1:8080", "2001:db8::42", true, "2001:db8::42"},
		{"trusted without header", "10.0.0.1:12345", "", true, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := resolveClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("resolveClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPFromContext(t *testing.T) {
	var got string
	h := withClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = clientIP(r)
	}), true)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Errorf("clientIP() = %q", got)
	}
	if ip := clientIP(req); ip != "10.0.0.1" {
		t.Errorf("clientIP() without middleware = %q, want the peer address", ip)
	}
}

func TestTrustProxyHeaders(t *testing.T) {
	for v, want := range map[string]bool{"": false, "0": false, "1": true, "true": true, "TRUE": true, "yes": false} {
		t.Setenv("TRUST_PROXY_HEADERS", v)
		if got := trustProxyHeaders(); got != want {
			t.Errorf("TRUST_PROXY_HEADERS=%q: got %v", v, got)
		}
	}
}

func TestCORSPolicyHeaders(t *testing.T) {
	tests := []struct {
		name       string
		policy     corsPolicy
		origin     string
		wantOrigin string
		wantCreds  bool
	}{
		{"allow all", corsPolicy{allowAll: true}, "https://panel.example", "*", false},
		{"listed origin", corsPolicy{origins: []string{"https://panel.example"}}, "https://panel.example", "https://panel.example", true},
		{"unlisted origin", corsPolicy{origins: []string{"https://panel.example"}}, "https://evil.example", "", false},
		{"wildcard subdomain", corsPolicy{origins: []string{"*.panel.example"}}, "https://eu.panel.example", "https://eu.panel.example", true},
		{"no origin header", corsPolicy{origins: []string{"https://panel.example"}}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := tt.policy.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if creds := rr.Header().Get("Access-Control-Allow-Credentials"); (creds == "true") != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %v", creds, tt.wantCreds)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := corsPolicy{allowAll: true}.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/launch_account/1", nil)
	req.Header.Set("Origin", "https://panel.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") != corsMethods || rr.Header().Get("Access-Control-Allow-Headers") != corsHeaders {
		t.Errorf("preflight headers = %v", rr.Header())
	}
}

func TestLoadCORSPolicy(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		wantAll     bool
		wantOrigins int
	}{
		{"unset env is development", map[string]string{}, true, 0},
		{"dev", map[string]string{"ENV": "dev"}, true, 0},
		{"production", map[string]string{"ENV": "production"}, false, 0},
		{"production with origins", map[string]string{
			"ENV":                  "production",
			"CORS_ALLOWED_ORIGINS": "https://panel.example, https://eu.panel.example,",
		}, false, 2},
		{"permissive override", map[string]string{"ENV": "production", "CORS_PERMISSIVE": "true"}, true, 0},
		{"restricted override in dev", map[string]string{"ENV": "development", "CORS_PERMISSIVE": "0"}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
				t.Setenv(k, tt.env[k])
			}
			p := loadCORSPolicy()
			if p.allowAll != tt.wantAll || len(p.origins) != tt.wantOrigins {
				t.Errorf("policy = %+v", p)
			}
		})
	}
}

func TestCORSPolicyAllows(t *testing.T) {
	p := corsPolicy{origins: []string{"https://panel.example", "*.mnl.example"}}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://panel.example", true},
		{"http://panel.example", false},
		{"https://eu.mnl.example", true},
		{"https://a.b.mnl.example", true},
		{"https://mnl.example", true},
		{"https://evilmnl.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := p.allows(tt.origin); got != tt.want {
				t.Errorf("allows(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
