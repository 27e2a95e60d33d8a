package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/session"
	"github.com/St-Ryzen/MNL/session/sessiontest"
	"github.com/St-Ryzen/MNL/store"
)

func TestExclusiveClosesOpenBrowser(t *testing.T) {
	r := session.NewRegistry(10 * time.Millisecond)
	b := sessiontest.NewFakeBrowser()
	r.Put(1, b)

	start := time.Now()
	var sawOpen bool
	err := r.Exclusive(context.Background(), 1, func(_ context.Context, wasOpen bool) error {
		sawOpen = wasOpen
		if _, ok := r.Get(1); ok {
			t.Error("browser still registered inside Exclusive")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawOpen || !b.IsClosed() {
		t.Errorf("wasOpen = %v, closed = %v", sawOpen, b.IsClosed())
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("release wait skipped")
	}

	start = time.Now()
	_ = r.Exclusive(context.Background(), 1, func(_ context.Context, wasOpen bool) error {
		if wasOpen {
			t.Error("wasOpen = true with no browser")
		}
		return nil
	})
	if time.Since(start) >= 10*time.Millisecond {
		t.Error("waited although no browser was open")
	}
}

func TestExclusiveSerializesPerAccount(t *testing.T) {
	r := session.NewRegistry(0)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Exclusive(context.Background(), 5, func(context.Context, bool) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestExclusiveCanceledWhileWaiting(t *testing.T) {
	r := session.NewRegistry(time.Hour)
	r.Put(2, sessiontest.NewFakeBrowser())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := r.Exclusive(ctx, 2, func(context.Context, bool) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestWithLockKeepsBrowserOpen(t *testing.T) {
	r := session.NewRegistry(time.Hour)
	b := sessiontest.NewFakeBrowser()
	r.Put(4, b)
	called := false
	if err := r.WithLock(context.Background(), 4, func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called || b.IsClosed() {
		t.Errorf("called = %v, closed = %v", called, b.IsClosed())
	}
	if _, ok := r.Get(4); !ok {
		t.Error("browser unregistered by WithLock")
	}
}

func TestStaleBackupRemovalWaitsForAccountLock(t *testing.T) {
	r := session.NewRegistry(0)
	base := t.TempDir()
	preserved := profile.Dir(base, 3, "model") + profile.PreservedSuffix
	if err := os.MkdirAll(filepath.Join(preserved, "Default"), 0o755); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Exclusive(context.Background(), 3, func(context.Context, bool) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan *profile.CleanupResult, 1)
	go func() {
		res, err := profile.RemoveStaleBackups(context.Background(), base, false, r.WithLock)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()
	select {
	case <-done:
		t.Fatal("cleanup finished while the account was locked")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := os.Stat(preserved); err != nil {
		t.Fatalf("preserved profile removed during restore: %v", err)
	}

	close(release)
	wg.Wait()
	select {
	case res := <-done:
		if res == nil || res.Removed != 1 {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not resume after the lock was released")
	}
	if _, err := os.Stat(preserved); !os.IsNotExist(err) {
		t.Errorf("preserved profile still present: %v", err)
	}
}

func TestRegistryForgetAndCloseAll(t *testing.T) {
	r := session.NewRegistry(0)
	a, b := sessiontest.NewFakeBrowser(), sessiontest.NewFakeBrowser()
	r.Put(1, a)
	r.Put(2, b)
	r.SetDir(1, "/profiles/account_1_m")
	r.SetCredentials(1, session.Credentials{Username: "u", Password: "p"})

	r.Forget(1)
	if _, ok := r.Dir(1); ok {
		t.Error("dir kept after Forget")
	}
	if _, ok := r.Credentials(1); ok {
		t.Error("credentials kept after Forget")
	}
	if !a.IsClosed() || r.Open() != 1 {
		t.Errorf("closed = %v, open = %d", a.IsClosed(), r.Open())
	}

	r.CloseAll()
	if !b.IsClosed() || r.Open() != 0 {
		t.Errorf("CloseAll left closed = %v, open = %d", b.IsClosed(), r.Open())
	}
}

func TestPutReplacesBrowser(t *testing.T) {
	r := session.NewRegistry(0)
	a, b := sessiontest.NewFakeBrowser(), sessiontest.NewFakeBrowser()
	r.Put(1, a)
	r.Put(1, b)
	if !a.IsClosed() || b.IsClosed() {
		t.Errorf("a closed = %v, b closed = %v", a.IsClosed(), b.IsClosed())
	}
}

func TestEssentialCookie(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"sb-access-token", true},
		{"SB-Refresh-Token", true},
		{"_ga", true},
		{"_ga_XYZ", true},
		{"ph_phc_project_posthog", true},
		{"maloum_locale", true},
		{"jwt", true},
		{"theme", false},
		{"cmpconsent", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := session.EssentialCookie(tt.name); got != tt.want {
				t.Errorf("EssentialCookie(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestFilterCookies(t *testing.T) {
	in := []store.Cookie{{Name: "sb-access-token"}, {Name: "theme"}, {Name: "session_id"}}
	got := session.FilterCookies(in)
	if len(got) != 2 || got[0].Name != "sb-access-token" || got[1].Name != "session_id" {
		t.Errorf("FilterCookies() = %+v", got)
	}
}
