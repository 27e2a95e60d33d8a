package session

import (
	"context"
	"time"

	"github.com/St-Ryzen/MNL/store"
)

// StorageKind selects window.localStorage or window.sessionStorage.
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	// ProfileDir is the user data directory. Empty means a throwaway profile.
	ProfileDir string
	Headless   bool
	Maximized  bool
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one running browser window. Selectors accept CSS or XPath.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// WaitVisible returns an error if sel is not visible within timeout.
	WaitVisible(ctx context.Context, sel string, timeout time.Duration) error
	// Fill clears the field matched by sel and types value.
	Fill(ctx context.Context, sel, value string) error
	Click(ctx context.Context, sel string) error
	Reload(ctx context.Context) error
	Cookies(ctx context.Context) ([]store.Cookie, error)
	SetCookies(ctx context.Context, cookies []store.Cookie) error
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)
	SetStorage(ctx context.Context, kind StorageKind, items map[string]string) error
	Close() error
}
