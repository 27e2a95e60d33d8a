// Package sessiontest provides scripted browsers for testing code that drives sessions.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/St-Ryzen/MNL/session"
	"github.com/St-Ryzen/MNL/store"
)

// FakeBrowser is a scripted session.Browser.
type FakeBrowser struct {
	mu sync.Mutex

	// Visible selectors answer WaitVisible.
	Visible map[string]bool
	// Redirects maps a navigated URL to the URL the page ends up on.
	Redirects map[string]string
	// OnClick runs after a click is recorded.
	OnClick func(b *FakeBrowser, sel string)

	CurrentURL  string
	PageTitle   string
	Filled      map[string]string
	Clicks      []string
	Navigations []string
	Reloads     int
	Jar         []store.Cookie
	Local       map[string]string
	Session     map[string]string
	Closed      bool
}

// NewFakeBrowser returns an empty browser.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		Visible:   map[string]bool{},
		Redirects: map[string]string{},
		Filled:    map[string]string{},
		Local:     map[string]string{},
		Session:   map[string]string{},
	}
}

// SetVisible marks sel visible or hidden.
func (b *FakeBrowser) SetVisible(sel string, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Visible[sel] = v
}

func (b *FakeBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Navigations = append(b.Navigations, url)
	if to, ok := b.Redirects[url]; ok {
		url = to
	}
	b.CurrentURL = url
	return nil
}

func (b *FakeBrowser) URL(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.CurrentURL, nil
}

func (b *FakeBrowser) Title(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PageTitle, nil
}

func (b *FakeBrowser) WaitVisible(_ context.Context, sel string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Visible[sel] {
		return nil
	}
	return fmt.Errorf("waiting for %s: %w", sel, context.DeadlineExceeded)
}

func (b *FakeBrowser) Fill(_ context.Context, sel, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Visible[sel] {
		return fmt.Errorf("no element %s", sel)
	}
	b.Filled[sel] = value
	return nil
}

func (b *FakeBrowser) Click(_ context.Context, sel string) error {
	b.mu.Lock()
	if !b.Visible[sel] {
		b.mu.Unlock()
		return fmt.Errorf("no element %s", sel)
	}
	b.Clicks = append(b.Clicks, sel)
	onClick := b.OnClick
	b.mu.Unlock()
	if onClick != nil {
		onClick(b, sel)
	}
	return nil
}

func (b *FakeBrowser) Reload(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Reloads++
	return nil
}

func (b *FakeBrowser) Cookies(context.Context) ([]store.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Cookie(nil), b.Jar...), nil
}

func (b *FakeBrowser) SetCookies(_ context.Context, cookies []store.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Jar = append(b.Jar, cookies...)
	return nil
}

func (b *FakeBrowser) storage(kind session.StorageKind) map[string]string {
	if kind == session.SessionStorage {
		return b.Session
	}
	return b.Local
}

func (b *FakeBrowser) Storage(_ context.Context, kind session.StorageKind) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]string{}
	for k, v := range b.storage(kind) {
		out[k] = v
	}
	return out, nil
}

func (b *FakeBrowser) SetStorage(_ context.Context, kind session.StorageKind, items map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := b.storage(kind)
	for k, v := range items {
		dst[k] = v
	}
	return nil
}

func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (b *FakeBrowser) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Closed
}

// FakeLauncher hands out browsers built by New and records every launch.
type FakeLauncher struct {
	mu sync.Mutex
	// New builds the next browser. Nil means NewFakeBrowser.
	New func(opts session.LaunchOptions) *FakeBrowser
	// Err fails every launch.
	Err error

	Launches []session.LaunchOptions
	Browsers []*FakeBrowser
}

// ErrLaunch is a canned launch failure.
var ErrLaunch = errors.New("chrome not found")

func (l *FakeLauncher) Launch(_ context.Context, opts session.LaunchOptions) (session.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches = append(l.Launches, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	var b *FakeBrowser
	if l.New != nil {
		b = l.New(opts)
	} else {
		b = NewFakeBrowser()
	}
	l.Browsers = append(l.Browsers, b)
	return b, nil
}

// Last returns the most recently launched browser.
func (l *FakeLauncher) Last() *FakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Browsers) == 0 {
		return nil
	}
	return l.Browsers[len(l.Browsers)-1]
}

// SiteBrowser returns a browser that shows the login form and, once submitted with
// password, the landmark of site.
func SiteBrowser(site session.Site, password string, loggedIn bool) *FakeBrowser {
	b := NewFakeBrowser()
	b.Visible[site.UsernameField] = true
	b.Visible[site.PasswordField] = true
	b.Visible[site.SubmitButton] = true
	b.Visible[site.Landmark] = loggedIn
	b.OnClick = func(b *FakeBrowser, sel string) {
		if sel != site.SubmitButton {
			return
		}
		b.mu.Lock()
		ok := b.Filled[site.PasswordField] == password
		b.mu.Unlock()
		if ok {
			b.SetVisible(site.Landmark, true)
			b.mu.Lock()
			b.Jar = append(b.Jar,
				store.Cookie{Name: "sb-access-token", Value: "access", Domain: ".maloum.com"},
				store.Cookie{Name: "theme", Value: "dark"})
			b.Local["sb-auth-token"] = `{"access_token":"a"}`
			b.mu.Unlock()
		}
	}
	return b
}
