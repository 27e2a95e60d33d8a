package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/store"
	"github.com/St-Ryzen/MNL/telemetry"
)

// ErrLoginFailed is returned when the landmark never appears after submitting credentials.
var ErrLoginFailed = errors.New("login failed")

// Open outcomes.
const (
	StatusRestored   = "restored"
	StatusExpired    = "expired"
	StatusUnverified = "unverified"
)

// Account is what the orchestrator needs to know about a model account.
type Account struct {
	ID            int64
	ModelUsername string
	// LoginUsername is used on the site login form.
	LoginUsername string
	Password      string
}

// Extension is an unpacked extension copied into every profile before backup.
type Extension struct {
	Src     string
	ID      string
	Version string
}

// Orchestrator runs browser sessions and profile backup/restore for model accounts.
type Orchestrator struct {
	Registry    *Registry
	Launcher    Launcher
	Store       store.Store
	Archiver    *profile.Archiver
	Restorer    *profile.Restorer
	Site        Site
	ProfilesDir string
	// SettleWait pauses between a restore and the browser launch.
	SettleWait time.Duration
	// Extension is installed before every backup when set.
	Extension *Extension
}

// ProfileDir returns the profile directory of a and records it in the registry.
func (o *Orchestrator) ProfileDir(a Account) string {
	if d, ok := o.Registry.Dir(a.ID); ok {
		return d
	}
	d := profile.Dir(o.ProfilesDir, a.ID, a.ModelUsername)
	o.Registry.SetDir(a.ID, d)
	return d
}

func (o *Orchestrator) archiver() *profile.Archiver {
	if o.Archiver == nil {
		return &profile.Archiver{}
	}
	return o.Archiver
}

func (o *Orchestrator) restorer() *profile.Restorer {
	if o.Restorer == nil {
		return &profile.Restorer{}
	}
	return o.Restorer
}

func (o *Orchestrator) log(ctx context.Context, a Account) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "session"),
		slog.Int64("account_id", a.ID),
		slog.String("model_username", a.ModelUsername))
}

// Setup launches a visible browser on the account profile, logs in unless already logged in,
// captures the session state into the store and keeps the browser open.
func (o *Orchestrator) Setup(ctx context.Context, a Account) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "session.Setup", telemetry.AccountAttr(a.ID))
	defer span.End()

	var msg string
	err := o.Registry.Exclusive(ctx, a.ID, func(ctx context.Context, _ bool) error {
		log := o.log(ctx, a)
		o.Registry.SetCredentials(a.ID, Credentials{Username: a.LoginUsername, Password: a.Password})
		dir := o.ProfileDir(a)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
		b, err := o.Launcher.Launch(ctx, LaunchOptions{ProfileDir: dir})
		if err != nil {
			return fmt.Errorf("failed to start browser session: %w", err)
		}

		if err := b.Navigate(ctx, o.Site.ChatURL()); err != nil {
			_ = b.Close()
			return fmt.Errorf("open chat page: %w", err)
		}
		if b.WaitVisible(ctx, o.Site.Landmark, o.Site.LandmarkWait) == nil {
			log.Info("already logged in")
			msg = fmt.Sprintf("Browser session restored successfully for %s (already logged in)", a.LoginUsername)
		} else {
			if err := o.login(ctx, b, a.LoginUsername, a.Password); err != nil {
				_ = b.Close()
				return err
			}
			log.Info("logged in")
			msg = fmt.Sprintf("Browser session started successfully for %s", a.LoginUsername)
		}

		if err := o.capture(ctx, b, a); err != nil {
			log.Error("failed to save session state", slog.Any("err", err))
		}
		o.Registry.Put(a.ID, b)
		return nil
	})
	telemetry.RecordError(span, err)
	return msg, err
}

// login fills the site login form and waits for the landmark.
func (o *Orchestrator) login(ctx context.Context, b Browser, username, password string) error {
	if err := b.Navigate(ctx, o.Site.LoginURL()); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	if b.WaitVisible(ctx, o.Site.CookieConsent, o.Site.ConsentWait) == nil {
		if err := b.Click(ctx, o.Site.CookieConsent); err != nil {
			slog.Default().Debug("cookie consent click failed", slog.String("component", "session"), slog.Any("err", err))
		}
	}
	if err := b.WaitVisible(ctx, o.Site.UsernameField, o.Site.FieldWait); err != nil {
		return fmt.Errorf("%w: login form not found: %v", ErrLoginFailed, err)
	}
	if err := b.Fill(ctx, o.Site.UsernameField, username); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := b.Fill(ctx, o.Site.PasswordField, password); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := b.Click(ctx, o.Site.SubmitButton); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := b.WaitVisible(ctx, o.Site.Landmark, o.Site.LoginWait); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	return nil
}

// capture reads cookies and web storage from b and stores them. Read errors on one
// source leave that source empty.
func (o *Orchestrator) capture(ctx context.Context, b Browser, a Account) error {
	log := o.log(ctx, a)
	var rec store.SessionRecord
	if cookies, err := b.Cookies(ctx); err != nil {
		log.Error("error capturing cookies", slog.Any("err", err))
	} else {
		rec.Cookies = FilterCookies(cookies)
	}
	var err error
	if rec.LocalStorage, err = b.Storage(ctx, LocalStorage); err != nil {
		log.Error("error capturing localStorage", slog.Any("err", err))
	}
	if rec.SessionStorage, err = b.Storage(ctx, SessionStorage); err != nil {
		log.Error("error capturing sessionStorage", slog.Any("err", err))
	}
	rec.UpdatedAt = time.Now().UTC()
	log.Info("captured session state",
		slog.Int("cookies", len(rec.Cookies)),
		slog.Int("local_storage", len(rec.LocalStorage)),
		slog.Int("session_storage", len(rec.SessionStorage)))
	return o.Store.PutSession(ctx, a.ID, rec)
}

// OpenResult reports how a chatter session came up.
type OpenResult struct {
	ProfileRestored bool   `json:"profile_restored"`
	StateApplied    bool   `json:"state_applied"`
	Status          string `json:"status"`
	Message         string `json:"message"`
}

// Open restores the stored profile, launches a maximized browser, applies the stored session
// state and checks the chat page. The browser is kept open whatever the outcome.
func (o *Orchestrator) Open(ctx context.Context, a Account) (*OpenResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "session.Open", telemetry.AccountAttr(a.ID))
	defer span.End()

	res := &OpenResult{}
	err := o.Registry.Exclusive(ctx, a.ID, func(ctx context.Context, _ bool) error {
		log := o.log(ctx, a)
		restored, err := o.restoreLocked(ctx, a)
		if err != nil {
			log.Error("profile restore failed, launching with the local profile", slog.Any("err", err))
		}
		res.ProfileRestored = restored
		if restored && o.SettleWait > 0 {
			if err := sleep(ctx, o.SettleWait); err != nil {
				return err
			}
		}

		dir := o.ProfileDir(a)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
		b, err := o.Launcher.Launch(ctx, LaunchOptions{ProfileDir: dir, Maximized: true})
		if err != nil {
			return fmt.Errorf("failed to start browser session: %w", err)
		}

		if err := b.Navigate(ctx, o.Site.BaseURL); err != nil {
			_ = b.Close()
			return fmt.Errorf("open site: %w", err)
		}
		res.StateApplied = o.apply(ctx, b, a)
		if res.StateApplied {
			if err := b.Reload(ctx); err != nil {
				log.Warn("reload after restoring session state failed", slog.Any("err", err))
			}
			_ = sleep(ctx, o.Site.AfterReloadGap)
		}
		if err := b.Navigate(ctx, o.Site.ChatURL()); err != nil {
			log.Warn("open chat page failed", slog.Any("err", err))
		}

		if b.WaitVisible(ctx, o.Site.Landmark, o.Site.LandmarkWait) == nil {
			res.Status = StatusRestored
			res.Message = fmt.Sprintf("Browser session restored successfully for %s", a.LoginUsername)
		} else {
			url, _ := b.URL(ctx)
			title, _ := b.Title(ctx)
			if strings.Contains(strings.ToLower(url), "login") {
				res.Status = StatusExpired
				res.Message = fmt.Sprintf("Session expired for %s. Please contact admin to refresh the account session.", a.LoginUsername)
			} else {
				res.Status = StatusUnverified
				res.Message = fmt.Sprintf("Browser opened for %s but unable to verify login status. Current page: %s", a.LoginUsername, title)
			}
			log.Warn("session check failed", slog.String("status", res.Status), slog.String("url", url))
		}
		o.Registry.Put(a.ID, b)
		return nil
	})
	telemetry.RecordError(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply writes the stored cookies and web storage into the open page.
func (o *Orchestrator) apply(ctx context.Context, b Browser, a Account) bool {
	log := o.log(ctx, a)
	rec, err := o.Store.GetSession(ctx, a.ID)
	if err != nil {
		log.Error("failed to load session state", slog.Any("err", err))
		return false
	}
	if rec.Empty() {
		log.Warn("no session state stored")
		return false
	}
	if err := b.SetCookies(ctx, rec.Cookies); err != nil {
		log.Error("error restoring cookies", slog.Any("err", err))
	}
	if err := b.SetStorage(ctx, LocalStorage, rec.LocalStorage); err != nil {
		log.Error("error restoring localStorage", slog.Any("err", err))
	}
	if err := b.SetStorage(ctx, SessionStorage, rec.SessionStorage); err != nil {
		log.Error("error restoring sessionStorage", slog.Any("err", err))
	}
	log.Info("session state applied",
		slog.Int("cookies", len(rec.Cookies)),
		slog.Int("local_storage", len(rec.LocalStorage)),
		slog.Int("session_storage", len(rec.SessionStorage)))
	return true
}

// TestLogin checks credentials in a throwaway headless browser.
func (o *Orchestrator) TestLogin(ctx context.Context, username, password string) error {
	b, err := o.Launcher.Launch(ctx, LaunchOptions{Headless: true})
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() { _ = b.Close() }()
	return o.login(ctx, b, username, password)
}

// Close closes the browser of id. It reports whether one was open.
func (o *Orchestrator) Close(id int64) bool {
	return o.Registry.Close(id)
}

// Remove closes the browser of a and deletes its profile directory.
func (o *Orchestrator) Remove(ctx context.Context, a Account) error {
	return o.Registry.Exclusive(ctx, a.ID, func(ctx context.Context, _ bool) error {
		dir := o.ProfileDir(a)
		o.Registry.Forget(a.ID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove profile dir: %w", err)
		}
		return nil
	})
}

// BackupResult reports a stored backup.
type BackupResult struct {
	FilesAdded        int               `json:"files_added"`
	FilesSkipped      int               `json:"skipped_files"`
	SizeBytes         int64             `json:"zip_size_bytes"`
	SizeMB            float64           `json:"zip_size_mb"`
	Duration          time.Duration     `json:"duration"`
	BrowserWasOpen    bool              `json:"browser_was_open"`
	ExtensionFiles    int               `json:"extension_files_installed"`
	Verification      *profile.Contents `json:"verification,omitempty"`
	VerificationError string            `json:"verification_error,omitempty"`
}

// Backup closes any open browser of a, installs the bundled extension, archives the profile,
// stores it and verifies what was stored.
func (o *Orchestrator) Backup(ctx context.Context, a Account) (*BackupResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "session.Backup", telemetry.AccountAttr(a.ID))
	defer span.End()

	res := &BackupResult{}
	err := o.Registry.Exclusive(ctx, a.ID, func(ctx context.Context, wasOpen bool) error {
		log := o.log(ctx, a)
		res.BrowserWasOpen = wasOpen
		dir := o.ProfileDir(a)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return profile.ErrProfileMissing
		}

		if o.Extension != nil {
			n, err := profile.InstallExtension(dir, o.Extension.Src, o.Extension.ID, o.Extension.Version)
			if err != nil {
				log.Warn("failed to copy bundled extension into profile", slog.Any("err", err))
			} else {
				res.ExtensionFiles = n
			}
		}
		if in, err := profile.Inspect(dir); err == nil {
			log.Info("profile before backup",
				slog.Int("files", in.TotalFiles),
				slog.Int64("bytes", in.Bytes),
				slog.Int("extension_files", in.ExtensionFiles))
		}

		arc, err := o.archiver().Archive(ctx, dir)
		if err != nil {
			telemetry.RecordBackup(false, 0, 0, 0, 0)
			return err
		}
		encoded := arc.Encoded()
		if err := o.Store.PutBackup(ctx, a.ID, encoded); err != nil {
			telemetry.RecordBackup(false, arc.Duration, 0, 0, 0)
			return fmt.Errorf("store backup: %w", err)
		}
		telemetry.RecordBackup(true, arc.Duration, arc.Size(), arc.FilesAdded, arc.FilesSkipped)

		res.FilesAdded = arc.FilesAdded
		res.FilesSkipped = arc.FilesSkipped
		res.SizeBytes = arc.Size()
		res.SizeMB = float64(arc.Size()*100/(1<<20)) / 100
		res.Duration = arc.Duration

		stored, err := o.Store.GetBackup(ctx, a.ID)
		if err == nil {
			res.Verification, err = profile.VerifyEncoded(stored)
		}
		if err != nil {
			res.VerificationError = err.Error()
			log.Warn("backup verification failed", slog.Any("err", err))
		}
		return nil
	})
	telemetry.RecordError(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Restore replaces the local profile of a with the stored archive. It reports false when no
// archive is stored.
func (o *Orchestrator) Restore(ctx context.Context, a Account) (bool, error) {
	var restored bool
	err := o.Registry.Exclusive(ctx, a.ID, func(ctx context.Context, _ bool) error {
		var err error
		restored, err = o.restoreLocked(ctx, a)
		return err
	})
	return restored, err
}

func (o *Orchestrator) restoreLocked(ctx context.Context, a Account) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "session.Restore", telemetry.AccountAttr(a.ID))
	defer span.End()
	log := o.log(ctx, a)

	encoded, err := o.Store.GetBackup(ctx, a.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("load backup: %w", err)
	}
	if encoded == "" {
		log.Info("no backup found")
		telemetry.RecordRestore(false, false, 0)
		return false, nil
	}
	data, err := profile.Decode(encoded)
	if err != nil {
		telemetry.RecordRestore(true, false, 0)
		telemetry.RecordError(span, err)
		return false, err
	}
	rep, err := o.restorer().Restore(ctx, data, o.ProfileDir(a))
	if err != nil {
		telemetry.RecordRestore(true, false, 0)
		telemetry.RecordError(span, err)
		return false, err
	}
	telemetry.RecordRestore(true, true, rep.Duration)
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
