package session

import (
	"strings"
	"time"

	"github.com/St-Ryzen/MNL/store"
)

// Site describes the pages and elements of the chat site.
type Site struct {
	BaseURL string

	ChatPath  string
	LoginPath string

	// Landmark is visible only to a logged-in user on the chat page.
	Landmark       string
	CookieConsent  string
	UsernameField  string
	PasswordField  string
	SubmitButton   string
	LandmarkWait   time.Duration // check on an already open chat page
	LoginWait      time.Duration // after submitting credentials
	ConsentWait    time.Duration
	FieldWait      time.Duration
	AfterReloadGap time.Duration
}

// DefaultSite returns the selectors of the production site at baseURL.
func DefaultSite(baseURL string) Site {
	return Site{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		ChatPath:       "/chat",
		LoginPath:      "/login?returnPath=/chat",
		Landmark:       `//h1[contains(text(), 'Messages')]`,
		CookieConsent:  `a.cmpboxbtn.cmpboxbtnyes.cmptxt_btn_yes`,
		UsernameField:  `input[name="usernameOrEmail"]`,
		PasswordField:  `input[name="password"]`,
		SubmitButton:   `button[type='submit'].flex.h-fit.w-full`,
		LandmarkWait:   5 * time.Second,
		LoginWait:      15 * time.Second,
		ConsentWait:    5 * time.Second,
		FieldWait:      10 * time.Second,
		AfterReloadGap: 2 * time.Second,
	}
}

func (s Site) ChatURL() string  { return s.BaseURL + s.ChatPath }
func (s Site) LoginURL() string { return s.BaseURL + s.LoginPath }

// cookieTokens mark cookies that carry login state.
var cookieTokens = []string{
	"sb-", "auth", "token", "session", "login", "jwt",
	"access", "refresh", "maloum", "_ga", "ph_",
}

// EssentialCookie reports whether a cookie name carries login state.
func EssentialCookie(name string) bool {
	n := strings.ToLower(name)
	for _, t := range cookieTokens {
		if strings.Contains(n, t) {
			return true
		}
	}
	return false
}

// FilterCookies keeps the essential cookies.
func FilterCookies(in []store.Cookie) []store.Cookie {
	out := make([]store.Cookie, 0, len(in))
	for _, c := range in {
		if EssentialCookie(c.Name) {
			out = append(out, c)
		}
	}
	return out
}
