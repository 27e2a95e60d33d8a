package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/St-Ryzen/MNL/store"
)

// hideWebdriver runs before any page script.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// ChromeLauncher starts Chrome through the DevTools protocol.
type ChromeLauncher struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// Headless applies to every launch in addition to LaunchOptions.Headless.
	Headless bool
}

// Launch starts Chrome on opts.ProfileDir and returns once the first tab is ready.
func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless || l.Headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.Maximized {
		allocOpts = append(allocOpts, chromedp.Flag("start-maximized", true))
	}
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}

	// The browser outlives the request that launched it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	b := &chromeBrowser{ctx: tabCtx, cancel: func() { tabCancel(); allocCancel() }}

	err := b.run(ctx, 30*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx)
		return err
	}))
	if err != nil {
		b.cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return b, nil
}

type chromeBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (b *chromeBrowser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, 60*time.Second, chromedp.Navigate(url))
}

func (b *chromeBrowser) URL(ctx context.Context) (string, error) {
	var u string
	err := b.run(ctx, 10*time.Second, chromedp.Location(&u))
	return u, err
}

func (b *chromeBrowser) Title(ctx context.Context) (string, error) {
	var t string
	err := b.run(ctx, 10*time.Second, chromedp.Title(&t))
	return t, err
}

func (b *chromeBrowser) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	return b.run(ctx, timeout, chromedp.WaitVisible(sel, chromedp.BySearch))
}

func (b *chromeBrowser) Fill(ctx context.Context, sel, value string) error {
	return b.run(ctx, 15*time.Second,
		chromedp.WaitVisible(sel, chromedp.BySearch),
		chromedp.Clear(sel, chromedp.BySearch),
		chromedp.SendKeys(sel, value, chromedp.BySearch),
	)
}

func (b *chromeBrowser) Click(ctx context.Context, sel string) error {
	return b.run(ctx, 15*time.Second, chromedp.Click(sel, chromedp.BySearch))
}

func (b *chromeBrowser) Reload(ctx context.Context) error {
	return b.run(ctx, 60*time.Second, chromedp.Reload())
}

func (b *chromeBrowser) Cookies(ctx context.Context) ([]store.Cookie, error) {
	var raw []*network.Cookie
	err := b.run(ctx, 10*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]store.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, store.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (b *chromeBrowser) SetCookies(ctx context.Context, cookies []store.Cookie) error {
	return b.run(ctx, 10*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p = p.WithExpires(&exp)
			}
			if c.SameSite != "" {
				p = p.WithSameSite(network.CookieSameSite(c.SameSite))
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (b *chromeBrowser) Storage(ctx context.Context, kind StorageKind) (map[string]string, error) {
	js := fmt.Sprintf(`(() => {
		const s = window.%s, out = {};
		for (let i = 0; i < s.length; i++) { const k = s.key(i); out[k] = s.getItem(k); }
		return out;
	})()`, kind)
	items := map[string]string{}
	err := b.run(ctx, 10*time.Second, chromedp.Evaluate(js, &items))
	return items, err
}

func (b *chromeBrowser) SetStorage(ctx context.Context, kind StorageKind, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}
	js := fmt.Sprintf(`(() => {
		const items = %s;
		for (const [k, v] of Object.entries(items)) { window.%s.setItem(k, v); }
		return true;
	})()`, payload, kind)
	var ok bool
	return b.run(ctx, 10*time.Second, chromedp.Evaluate(js, &ok))
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	return err
}
