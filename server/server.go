// Package server exposes the JSON admin API: login, accounts, chatter assignment, browser
// sessions, profile backups, updates, health and metrics. Every request carries a correlation
// id and a trace span; mutating actions are written to the activity log.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter sweep loop.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	limiter := newRequestLimiter(ctx, loadLimitPolicy())
	trustProxy := trustProxyHeaders()
	cors := loadCORSPolicy()

	user := func(fn http.HandlerFunc) http.Handler { return h.auth.Middleware(fn) }
	admin := func(fn http.HandlerFunc) http.Handler { return h.auth.Middleware(auth.RequireAdmin(fn)) }

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /api/version", h.HandleVersion)

	mux.HandleFunc("POST /login", h.HandleLogin)
	mux.HandleFunc("POST /logout", h.HandleLogout)

	mux.Handle("GET /dashboard", user(h.HandleDashboard))
	mux.Handle("POST /launch_account/{id}", user(h.HandleLaunchAccount))

	mux.Handle("GET /model_accounts", admin(h.HandleModelAccounts))
	mux.Handle("POST /setup_accounts", admin(h.HandleSetupAccount))
	mux.Handle("POST /test_login", admin(h.HandleTestLogin))
	mux.Handle("POST /delete_account/{id}", admin(h.HandleDeleteAccount))
	mux.Handle("POST /backup_profile/{id}", admin(h.HandleBackupProfile))
	mux.Handle("GET /api/backup-status/{id}", admin(h.HandleBackupStatus))
	mux.Handle("POST /assign_chatter", admin(h.HandleAssignChatter))

	mux.Handle("GET /user_management", admin(h.HandleUserManagement))
	mux.Handle("POST /add_user", admin(h.HandleAddUser))
	mux.Handle("POST /delete_user/{id}", admin(h.HandleDeleteUser))

	mux.Handle("GET /api/check-updates", admin(h.HandleCheckUpdates))
	mux.Handle("POST /api/install-update", admin(h.HandleInstallUpdate))
	mux.Handle("GET /api/activity", admin(h.HandleActivity))

	routes := limiter.middleware(mux)

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		routes.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
	return cors.wrap(withClientIP(handler, trustProxy))
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// Setup, launch and backup requests drive a real browser, so the write timeout is generous.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, h),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
