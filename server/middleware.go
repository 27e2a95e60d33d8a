package server

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/St-Ryzen/MNL/telemetry"
)

// limitClass groups routes that share one request budget per client.
type limitClass string

const (
	// classCredentials covers routes that check a password.
	classCredentials limitClass = "credentials"
	// classBrowser covers routes that start a browser or archive a profile.
	classBrowser limitClass = "browser"
	// classInstall covers the self-update route.
	classInstall limitClass = "install"
)

// routeClass reports the budget class of a rate limited route.
func routeClass(r *http.Request) (limitClass, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	p := r.URL.Path
	switch {
	case p == "/login", p == "/test_login":
		return classCredentials, true
	case p == "/setup_accounts",
		strings.HasPrefix(p, "/launch_account/"),
		strings.HasPrefix(p, "/backup_profile/"):
		return classBrowser, true
	case p == "/api/install-update":
		return classInstall, true
	}
	return "", false
}

// limitPolicy is the rate limit configuration.
type limitPolicy struct {
	enabled bool
	window  time.Duration
	budgets map[limitClass]int
}

// loadLimitPolicy reads RATE_LIMIT_* variables. Limiting is on unless RATE_LIMIT_ENABLED=0.
func loadLimitPolicy() limitPolicy {
	return limitPolicy{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		window:  time.Duration(envPositive("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		budgets: map[limitClass]int{
			classCredentials: envPositive("RATE_LIMIT_REQUESTS_PER_IP", 10),
			classBrowser:     envPositive("RATE_LIMIT_BROWSER_PER_IP", 20),
			classInstall:     3,
		},
	}
}

// envPositive returns the integer value of key, or def when unset, malformed or not positive.
func envPositive(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type limitKey struct {
	class limitClass
	ip    string
}

// requestLimiter is a sliding-window counter per client IP and route class.
type requestLimiter struct {
	mu     sync.Mutex
	policy limitPolicy
	hits   map[limitKey][]time.Time
	now    func() time.Time
}

// newRequestLimiter returns a limiter whose sweep loop stops with ctx.
func newRequestLimiter(ctx context.Context, policy limitPolicy) *requestLimiter {
	l := &requestLimiter{policy: policy, hits: map[limitKey][]time.Time{}, now: time.Now}
	if policy.enabled {
		go l.sweepLoop(ctx)
	}
	return l
}

func (l *requestLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(max(l.policy.window, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep forgets clients whose newest request is older than the window.
func (l *requestLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.policy.window)
	for k, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, k)
		}
	}
}

// allow records a request of ip in class. When the budget is spent it returns false and how long
// until the oldest counted request leaves the window.
func (l *requestLimiter) allow(class limitClass, ip string) (bool, time.Duration) {
	if !l.policy.enabled {
		return true, 0
	}
	budget := l.policy.budgets[class]
	if budget <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.policy.window)
	key := limitKey{class: class, ip: ip}
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= budget {
		l.hits[key] = hits
		return false, hits[0].Add(l.policy.window).Sub(now)
	}
	l.hits[key] = append(hits, now)
	return true, 0
}

// middleware rejects rate limited routes over budget with 429 and Retry-After.
func (l *requestLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class, ok := routeClass(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		allowed, wait := l.allow(class, ip)
		if !allowed {
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			telemetry.LoggerWithCorr(r.Context()).Warn("rate limit exceeded",
				slog.String("component", "http"),
				slog.String("class", string(class)),
				slog.String("ip", ip),
				slog.String("path", r.URL.Path))
			sendError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientIPKey struct{}

// trustProxyHeaders reports whether TRUST_PROXY_HEADERS allows X-Forwarded-For. Only enable it
// behind a proxy that overwrites the header.
func trustProxyHeaders() bool {
	v := strings.ToLower(os.Getenv("TRUST_PROXY_HEADERS"))
	return v == "1" || v == "true"
}

// withClientIP resolves the client address once and stores it on the request context.
func withClientIP(next http.Handler, trustProxy bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, resolveClientIP(r, trustProxy))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the address resolved by withClientIP, else the peer address.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return resolveClientIP(r, false)
}

// resolveClientIP returns the peer address without its port. With trustProxy the first
// X-Forwarded-For entry wins.
func resolveClientIP(r *http.Request, trustProxy bool) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); trustProxy && forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// corsPolicy decides which browser origins may call the API.
type corsPolicy struct {
	allowAll bool
	origins  []string
}

// loadCORSPolicy allows every origin in development (ENV unset, dev or development) unless
// CORS_PERMISSIVE says otherwise; elsewhere only CORS_ALLOWED_ORIGINS.
func loadCORSPolicy() corsPolicy {
	env := strings.ToLower(os.Getenv("ENV"))
	p := corsPolicy{allowAll: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		p.allowAll = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			p.origins = append(p.origins, o)
		}
	}
	if !p.allowAll && len(p.origins) == 0 {
		slog.Warn("CORS restricted but CORS_ALLOWED_ORIGINS is empty; cross-origin requests will be refused",
			slog.String("component", "http"))
	}
	return p
}

// allows reports whether origin matches an entry. "*.example.com" matches example.com and
// every subdomain.
func (p corsPolicy) allows(origin string) bool {
	for _, allowed := range p.origins {
		if origin == allowed {
			return true
		}
		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

// wrap adds CORS headers and answers preflight requests.
func (p corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case p.allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && p.allows(origin):
			// the session cookie needs credentials, which require an explicit origin
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
