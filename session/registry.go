// Package session owns the live browser sessions of model accounts and drives the
// site login, session capture and profile backup/restore around them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/St-Ryzen/MNL/telemetry"
)

// Credentials are kept in memory while an admin setup session is open.
type Credentials struct {
	Username string
	Password string
}

// Registry holds the open browsers, resolved profile directories and transient credentials
// keyed by account id. Exclusive serializes all profile work on one account.
type Registry struct {
	// ReleaseWait is how long to wait after closing a browser before its files are touched.
	ReleaseWait time.Duration

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	browsers map[int64]Browser
	dirs     map[int64]string
	creds    map[int64]Credentials
}

// NewRegistry returns an empty registry.
func NewRegistry(releaseWait time.Duration) *Registry {
	return &Registry{
		ReleaseWait: releaseWait,
		locks:       map[int64]*sync.Mutex{},
		browsers:    map[int64]Browser{},
		dirs:        map[int64]string{},
		creds:       map[int64]Credentials{},
	}
}

func (r *Registry) lockFor(id int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Put registers b as the open browser of id, closing any previous one.
func (r *Registry) Put(id int64, b Browser) {
	r.mu.Lock()
	prev := r.browsers[id]
	r.browsers[id] = b
	n := len(r.browsers)
	r.mu.Unlock()
	if prev != nil && prev != b {
		_ = prev.Close()
	}
	telemetry.SetSessionsOpen(n)
}

// Get returns the open browser of id.
func (r *Registry) Get(id int64) (Browser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.browsers[id]
	return b, ok
}

// Open returns the number of open browsers.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers)
}

// Close closes and forgets the browser of id. It reports whether one was open.
func (r *Registry) Close(id int64) bool {
	r.mu.Lock()
	b, ok := r.browsers[id]
	delete(r.browsers, id)
	n := len(r.browsers)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := b.Close(); err != nil {
		slog.Default().Warn("error closing browser",
			slog.String("component", "session"),
			slog.Int64("account_id", id),
			slog.Any("err", err))
	}
	telemetry.SetSessionsOpen(n)
	return true
}

// SetDir records the profile directory of id.
func (r *Registry) SetDir(id int64, dir string) {
	r.mu.Lock()
	r.dirs[id] = dir
	r.mu.Unlock()
}

// Dir returns the recorded profile directory of id.
func (r *Registry) Dir(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dirs[id]
	return d, ok
}

// SetCredentials remembers the login of id until Forget.
func (r *Registry) SetCredentials(id int64, c Credentials) {
	r.mu.Lock()
	r.creds[id] = c
	r.mu.Unlock()
}

// Credentials returns the remembered login of id.
func (r *Registry) Credentials(id int64) (Credentials, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	return c, ok
}

// Forget closes the browser of id and drops everything recorded for it.
func (r *Registry) Forget(id int64) {
	r.Close(id)
	r.mu.Lock()
	delete(r.dirs, id)
	delete(r.creds, id)
	r.mu.Unlock()
}

// Exclusive closes any open browser of id, waits ReleaseWait when one was closed, and
// runs fn while holding the account lock. fn may register a new browser.
func (r *Registry) Exclusive(ctx context.Context, id int64, fn func(ctx context.Context, wasOpen bool) error) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	wasOpen := r.Close(id)
	if wasOpen && r.ReleaseWait > 0 {
		telemetry.LoggerWithCorr(ctx).Info("browser closed, waiting for file locks to release",
			slog.String("component", "session"),
			slog.Int64("account_id", id),
			slog.Duration("wait", r.ReleaseWait))
		t := time.NewTimer(r.ReleaseWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fn(ctx, wasOpen)
}

// WithLock runs fn while holding the account lock of id. Unlike Exclusive it
// leaves an open browser running.
func (r *Registry) WithLock(ctx context.Context, id int64, fn func(ctx context.Context) error) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// CloseAll closes every open browser.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.browsers))
	for id := range r.browsers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
		slog.Default().Info("closed browser session", slog.String("component", "session"), slog.Int64("account_id", id))
	}
}
