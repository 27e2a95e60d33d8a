// Package profile archives and restores Chromium user-data directories.
//
// Only the parts of a profile needed to resume a logged-in session and keep
// installed extensions working are archived: cookies, local/session storage,
// sync data, network state and extension folders. Caches, logs and temp data
// are left behind.
package profile

import (
	"path"
	"strings"
)

// Size ceilings applied per file and per archive.
const (
	ExtensionFileCeiling int64 = 50 << 20
	EssentialFileCeiling int64 = 10 << 20
	OtherFileCeiling     int64 = 2 << 20
	MaxArchiveSize       int64 = 40 << 20
	MinArchiveSize       int64 = 1000
)

// Category is the classification assigned to a directory or file.
type Category int

const (
	CategoryNone Category = iota
	CategoryLocalStorage
	CategorySessionStorage
	CategorySyncData
	CategoryExtensions
	CategoryNetwork
	CategoryCookies
	CategoryEssential
	CategoryAuthStore
	CategoryTemp
	CategoryLock
	CategorySkipped
)

var categoryNames = map[Category]string{
	CategoryNone:           "none",
	CategoryLocalStorage:   "local_storage",
	CategorySessionStorage: "session_storage",
	CategorySyncData:       "sync_data",
	CategoryExtensions:     "extensions",
	CategoryNetwork:        "network",
	CategoryCookies:        "cookies",
	CategoryEssential:      "essential",
	CategoryAuthStore:      "auth_store",
	CategoryTemp:           "temp",
	CategoryLock:           "lock",
	CategorySkipped:        "skipped",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// Token lists, matched as lowercase substrings.
var (
	essentialFileTokens = []string{
		"cookies", "login data", "preferences", "local storage",
		"session storage", "web data", "bookmarks", "history",
		"network", "secure preferences", "extensions",
		"current", "log", "manifest", "lock",
		"leveldb", ".log", ".ldb", ".dbtmp",
	}
	skipFileTokens = []string{
		"tmp", "temp", "lockfile", "singleton",
		"crashpad", "gpu", "webrtc", "pnacl", "swiftshader",
		"devtools", "metrics", "crash", "blob", "pepper",
		"shader", "dawn", "graphics", "download", "media", "thumbnails",
	}
	skipDirTokens = []string{
		"cache", "temp", "tmp", "logs", "crashpad", "metrics",
		"devtools", "crash reports", "blob_storage", "webrtc logs",
		"pepper data", "shader cache", "grshader", "dawn",
		"gpucache", "certificate transparency", "download service",
		"media", "thumbnails", "favicons", "top sites", "visit urls",
		"code cache",
	}
	tempSuffixes = []string{".tmp", ".temp"}
	lockSuffix   = ".lock"
)

// dirRule maps a relative directory path to a category. Rules are evaluated
// in order and the first match wins.
type dirRule struct {
	category Category
	match    func(rel string) bool
}

var dirRules = []dirRule{
	{CategoryLocalStorage, containsAny("local storage", "localstorage")},
	{CategorySessionStorage, containsAny("session storage", "sessionstorage")},
	{CategorySyncData, containsAny("sync data", "syncdata")},
	{CategoryExtensions, containsAny("extension")},
	{CategoryNetwork, containsAny("network")},
	{CategoryCookies, containsAny("cookies")},
	{CategoryEssential, containsAny("gcm store")},
}

// DirClass is the result of classifying one directory.
type DirClass struct {
	Rel       string
	Category  Category
	Essential bool
	// AuthStore is set for LevelDB-backed stores holding tokens.
	AuthStore bool
	Extension bool
}

// Normalize lowercases a relative path and uses forward slashes. The profile
// root normalizes to "".
func Normalize(rel string) string {
	rel = strings.ToLower(strings.ReplaceAll(rel, "\\", "/"))
	rel = strings.Trim(rel, "/")
	if rel == "." {
		return ""
	}
	return rel
}

// ClassifyDir classifies a directory by its path relative to the profile root.
func ClassifyDir(rel string) DirClass {
	rel = Normalize(rel)
	dc := DirClass{Rel: rel}
	if rel == "" {
		return dc
	}
	for _, r := range dirRules {
		if !r.match(rel) {
			continue
		}
		if dc.Category == CategoryNone {
			dc.Category = r.category
		}
		switch r.category {
		case CategoryLocalStorage, CategorySessionStorage, CategorySyncData:
			dc.AuthStore = true
		case CategoryExtensions:
			dc.Extension = true
		}
	}
	dc.Essential = dc.Category != CategoryNone
	return dc
}

// KeepSubdir reports whether the walk should descend into name below parent.
// Skip-listed names are always pruned. Direct children of the root are kept
// so the browser's own profile folders ("Default", "Profile 1") are visited.
func KeepSubdir(parent DirClass, name string) bool {
	lower := strings.ToLower(name)
	for _, tok := range skipDirTokens {
		if strings.Contains(lower, tok) {
			return false
		}
	}
	if parent.Essential || parent.Rel == "" {
		return true
	}
	return ClassifyDir(path.Join(parent.Rel, lower)).Essential
}

// FileDecision is the result of classifying one file.
type FileDecision struct {
	Category Category
	Keep     bool
	// Ceiling is the largest size accepted for the file; zero when skipped.
	Ceiling int64
}

// Essential reports whether the file was kept for session or extension data.
func (d FileDecision) Essential() bool {
	return d.Keep && d.Category != CategoryNone
}

type fileRule struct {
	category Category
	keep     bool
	match    func(dir DirClass, name string) bool
}

var fileRules = []fileRule{
	{CategoryTemp, false, func(_ DirClass, n string) bool { return hasAnySuffix(n, tempSuffixes...) }},
	{CategoryLock, false, func(d DirClass, n string) bool { return strings.HasSuffix(n, lockSuffix) && !d.Essential }},
	{CategoryExtensions, true, func(d DirClass, _ string) bool { return d.Extension }},
	{CategoryAuthStore, true, isAuthStoreFile},
	{CategoryEssential, true, func(d DirClass, _ string) bool { return d.Essential }},
	{CategoryEssential, true, func(_ DirClass, n string) bool { return containsAny(essentialFileTokens...)(n) }},
	{CategorySkipped, false, func(_ DirClass, n string) bool { return containsAny(skipFileTokens...)(n) }},
}

// isAuthStoreFile matches LevelDB files inside local/session storage and
// sync data. The name patterns follow the on-disk layout of current Chromium
// releases.
func isAuthStoreFile(d DirClass, n string) bool {
	if !d.AuthStore {
		return false
	}
	switch n {
	case "current", "log", "lock", "manifest-000001":
		return true
	}
	return hasAnySuffix(n, ".log", ".ldb", ".dbtmp") ||
		strings.HasPrefix(n, "000") || strings.HasPrefix(n, "manifest")
}

// ClassifyFile decides whether a file in dir is archived and under which
// size ceiling.
func ClassifyFile(dir DirClass, name string) FileDecision {
	lower := strings.ToLower(name)
	for _, r := range fileRules {
		if r.match(dir, lower) {
			return FileDecision{Category: r.category, Keep: r.keep, Ceiling: ceiling(dir, r.category, r.keep)}
		}
	}
	return FileDecision{Category: CategoryNone, Keep: true, Ceiling: OtherFileCeiling}
}

func ceiling(dir DirClass, c Category, keep bool) int64 {
	switch {
	case !keep:
		return 0
	case dir.Extension:
		return ExtensionFileCeiling
	case c != CategoryNone:
		return EssentialFileCeiling
	default:
		return OtherFileCeiling
	}
}

func containsAny(tokens ...string) func(string) bool {
	return func(s string) bool {
		for _, t := range tokens {
			if strings.Contains(s, t) {
				return true
			}
		}
		return false
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
