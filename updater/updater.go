// Package updater checks the release feed for a newer version and installs it over the
// application directory.
package updater

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/St-Ryzen/MNL/telemetry"
)

// Unknown is reported when no version file exists.
const Unknown = "Unknown"

// ErrNoUpdate is returned by Install when the latest release is not newer.
var ErrNoUpdate = errors.New("no updates available")

var (
	preserveFiles = map[string]bool{".env": true, "secret.key": true}
	preserveDirs  = map[string]bool{"browser_profiles": true, "instance": true, "logs": true}
)

// CurrentVersion reads the version file, returning Unknown when it is missing or empty.
func CurrentVersion(file string) string {
	b, err := os.ReadFile(file)
	if err != nil {
		return Unknown
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return Unknown
	}
	return v
}

type release struct {
	TagName     string  `json:"tag_name"`
	Name        string  `json:"name"`
	Body        string  `json:"body"`
	PublishedAt string  `json:"published_at"`
	ZipballURL  string  `json:"zipball_url"`
	Assets      []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// Info describes the latest release relative to the running version.
type Info struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	DownloadURL     string `json:"download_url,omitempty"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
	ReleaseName     string `json:"release_name,omitempty"`
	PublishedAt     string `json:"published_at,omitempty"`
}

// Result describes a finished install.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Version         string `json:"version"`
	BackupPath      string `json:"backup_path,omitempty"`
	FilesCopied     int    `json:"files_copied"`
	RestartRequired bool   `json:"restart_required"`
}

// Updater talks to a GitHub-compatible releases API.
type Updater struct {
	Client      *http.Client
	APIBase     string
	Repo        string // owner/name
	VersionFile string
	AppRoot     string
}

// New returns an Updater with a bounded HTTP client.
func New(apiBase, repo, versionFile, appRoot string) *Updater {
	return &Updater{
		Client:      &http.Client{Timeout: 30 * time.Second},
		APIBase:     strings.TrimRight(apiBase, "/"),
		Repo:        repo,
		VersionFile: versionFile,
		AppRoot:     appRoot,
	}
}

func (u *Updater) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "updater"))
}

// canonical turns "1.2" or "v1.2.0" into a semver string, or "" when it is not one.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Newer reports whether latest is a higher version than current. An unparsable current
// version is treated as older than any valid latest.
func Newer(latest, current string) bool {
	l := canonical(latest)
	if l == "" {
		return false
	}
	c := canonical(current)
	if c == "" {
		return true
	}
	return semver.Compare(l, c) > 0
}

// Check fetches the latest release.
func (u *Updater) Check(ctx context.Context) (*Info, error) {
	current := u.Current()
	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.APIBase, u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to check for updates: status %d", resp.StatusCode)
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	latest := strings.TrimPrefix(rel.TagName, "v")
	info := &Info{CurrentVersion: current, LatestVersion: latest}
	if Newer(latest, current) {
		info.UpdateAvailable = true
		info.DownloadURL = downloadURL(rel)
		info.ReleaseNotes = rel.Body
		if info.ReleaseNotes == "" {
			info.ReleaseNotes = "No release notes available"
		}
		info.ReleaseName = rel.Name
		if info.ReleaseName == "" {
			info.ReleaseName = "Version " + latest
		}
		info.PublishedAt = rel.PublishedAt
	}
	u.logger(ctx).Info("checked for updates",
		slog.String("current", current),
		slog.String("latest", latest),
		slog.Bool("update_available", info.UpdateAvailable))
	return info, nil
}

// downloadURL prefers a .zip release asset over the source zipball.
func downloadURL(rel release) string {
	for _, a := range rel.Assets {
		if strings.HasSuffix(strings.ToLower(a.Name), ".zip") {
			return a.DownloadURL
		}
	}
	return rel.ZipballURL
}

// Install downloads info.DownloadURL, copies the application directory found inside over
// AppRoot and writes the new version. AppRoot is copied aside first and put back on failure.
func (u *Updater) Install(ctx context.Context, info *Info) (*Result, error) {
	if info == nil || !info.UpdateAvailable || info.DownloadURL == "" {
		return nil, ErrNoUpdate
	}
	log := u.logger(ctx)
	log.Info("starting update", slog.String("version", info.LatestVersion), slog.String("url", info.DownloadURL))

	work, err := os.MkdirTemp("", "mnl-update-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	zipPath := filepath.Join(work, "update.zip")
	if err := u.download(ctx, info.DownloadURL, zipPath); err != nil {
		return nil, err
	}
	extracted := filepath.Join(work, "src")
	if err := unzip(zipPath, extracted); err != nil {
		return nil, fmt.Errorf("extract update: %w", err)
	}
	src, err := findAppDir(extracted)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(u.AppRoot)
	if err != nil {
		return nil, err
	}
	backup := filepath.Join(filepath.Dir(root), "backup_"+time.Now().Format("20060102_150405"))
	if _, err := copyTree(root, backup, preserved, false); err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	log.Info("backup created", slog.String("path", backup))

	n, err := copyTree(src, root, preserved, true)
	if err == nil {
		err = os.WriteFile(u.versionPath(), []byte(info.LatestVersion), 0o644)
	}
	if err != nil {
		log.Error("update failed, restoring backup", slog.Any("err", err))
		if _, rerr := copyTree(backup, root, preserved, true); rerr != nil {
			log.Error("backup restore failed", slog.Any("err", rerr))
		}
		return &Result{Success: false, Message: "Update failed, backup restored", BackupPath: backup}, err
	}
	log.Info("update installed", slog.String("version", info.LatestVersion), slog.Int("files", n))
	return &Result{
		Success:         true,
		Message:         fmt.Sprintf("Successfully updated to version %s", info.LatestVersion),
		Version:         info.LatestVersion,
		BackupPath:      backup,
		FilesCopied:     n,
		RestartRequired: true,
	}, nil
}

// Current returns the installed version.
func (u *Updater) Current() string { return CurrentVersion(u.versionPath()) }

// versionPath resolves a relative VersionFile against AppRoot.
func (u *Updater) versionPath() string {
	if filepath.IsAbs(u.VersionFile) {
		return u.VersionFile
	}
	return filepath.Join(u.AppRoot, u.VersionFile)
}

func (u *Updater) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download update: status %d", resp.StatusCode)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("download update: %w", err)
	}
	return f.Close()
}

// findAppDir returns the shallowest directory holding a VERSION file.
func findAppDir(root string) (string, error) {
	best, bestDepth := "", 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "VERSION" {
			return nil
		}
		dir := filepath.Dir(p)
		depth := strings.Count(filepath.ToSlash(dir), "/")
		if best == "" || depth < bestDepth {
			best, bestDepth = dir, depth
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", errors.New("could not find app directory in downloaded update")
	}
	return best, nil
}

func unzip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, zf := range zr.File {
		out := filepath.Join(dst, filepath.FromSlash(zf.Name))
		if !strings.HasPrefix(out, root) {
			return fmt.Errorf("entry %q escapes the archive root", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		if err := writeEntry(zf, out); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(zf *zip.File, out string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// preserved reports top-level entries of AppRoot that an update never touches.
func preserved(rel string, isDir bool) bool {
	if strings.Contains(rel, string(os.PathSeparator)) {
		return false
	}
	if isDir {
		return preserveDirs[rel]
	}
	return preserveFiles[rel]
}

// copyTree copies src over dst, skipping entries for which skip returns true, and returns
// the number of files copied. With replaceTop, top-level directories of src replace those in dst.
func copyTree(src, dst string, skip func(rel string, isDir bool) bool, replaceTop bool) (int, error) {
	n := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		if skip != nil && skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if replaceTop && !strings.Contains(rel, string(os.PathSeparator)) {
				if err := os.RemoveAll(target); err != nil {
					return err
				}
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(p, target); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
