package profile

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	sessionIndicators = []string{"cookies", "login", "session", "preferences", "local storage", "network"}
	// live profiles match on file name only; network is matched on the folder
	liveSessionNames = []string{"cookies", "login", "session", "preferences", "local storage"}
)

// Contents describes the entries of an archive.
type Contents struct {
	TotalFiles     int      `json:"total_files"`
	ExtensionFiles int      `json:"extension_files"`
	SessionFiles   int      `json:"session_files"`
	ExtensionCount int      `json:"extension_count"`
	ExtensionIDs   []string `json:"extension_ids"`
	HasExtensions  bool     `json:"has_extensions"`
}

// summarize counts entry names. Installed extensions are the ids found under
// Default/Extensions/<id>/.
func summarize(names []string) Contents {
	c := Contents{TotalFiles: len(names), ExtensionIDs: []string{}}
	ids := map[string]struct{}{}
	for _, n := range names {
		slashed := strings.ReplaceAll(n, "\\", "/")
		lower := strings.ToLower(slashed)
		if strings.Contains(lower, "extension") {
			c.ExtensionFiles++
			parts := strings.Split(slashed, "/")
			if len(parts) >= 4 && strings.EqualFold(parts[0], "default") && strings.EqualFold(parts[1], "extensions") && parts[2] != "" {
				ids[parts[2]] = struct{}{}
			}
		}
		if containsAny(sessionIndicators...)(lower) {
			c.SessionFiles++
		}
	}
	for id := range ids {
		c.ExtensionIDs = append(c.ExtensionIDs, id)
	}
	sort.Strings(c.ExtensionIDs)
	c.ExtensionCount = len(c.ExtensionIDs)
	c.HasExtensions = c.ExtensionCount > 0
	return c
}

// Verify lists what an archive holds without extracting it.
func Verify(data []byte) (*Contents, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open backup archive: %w", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	c := summarize(names)
	return &c, nil
}

// VerifyEncoded is Verify for the base64 form kept by the store.
func VerifyEncoded(s string) (*Contents, error) {
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	return Verify(data)
}

// Inspection describes a live profile directory.
type Inspection struct {
	Path           string `json:"path"`
	Exists         bool   `json:"exists"`
	TotalFiles     int    `json:"total_files"`
	SessionFiles   int    `json:"session_files"`
	ExtensionFiles int    `json:"extension_files"`
	Bytes          int64  `json:"bytes"`
	HasExtensions  bool   `json:"has_extensions"`
}

// Inspect counts the files of a profile directory. A missing directory is
// reported with Exists=false rather than an error.
func Inspect(dir string) (*Inspection, error) {
	in := &Inspection{Path: dir}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return in, nil
		}
		return nil, err
	}
	in.Exists = true
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		in.TotalFiles++
		rel, _ := filepath.Rel(dir, p)
		relDir := Normalize(filepath.Dir(rel))
		name := strings.ToLower(d.Name())
		if containsAny(liveSessionNames...)(name) || strings.Contains(relDir, "network") {
			in.SessionFiles++
		}
		if strings.Contains(relDir, "extension") || strings.Contains(name, "extension") {
			in.ExtensionFiles++
		}
		if info, err := d.Info(); err == nil {
			in.Bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries, err := os.ReadDir(filepath.Join(dir, "Default", "Extensions")); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				in.HasExtensions = true
				break
			}
		}
	}
	return in, nil
}
