package profile

import "testing"

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		".":                         "",
		"":                          "",
		"Default\\Local Storage":    "default/local storage",
		"/Default/Extensions/":      "default/extensions",
		"Profile 1/Session Storage": "profile 1/session storage",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyDir(t *testing.T) {
	tests := []struct {
		rel       string
		category  Category
		essential bool
		authStore bool
		extension bool
	}{
		{".", CategoryNone, false, false, false},
		{"Default", CategoryNone, false, false, false},
		{"Default/Local Storage", CategoryLocalStorage, true, true, false},
		{"Default/Local Storage/leveldb", CategoryLocalStorage, true, true, false},
		{"Default\\Session Storage", CategorySessionStorage, true, true, false},
		{"Default/Sync Data/LevelDB", CategorySyncData, true, true, false},
		{"Default/Extensions/abc/1.0_0", CategoryExtensions, true, false, true},
		{"Default/Local Extension Settings/abc", CategoryExtensions, true, false, true},
		{"Default/Network", CategoryNetwork, true, false, false},
		{"Default/GCM Store", CategoryEssential, true, false, false},
		{"Default/IndexedDB", CategoryNone, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			dc := ClassifyDir(tt.rel)
			if dc.Category != tt.category || dc.Essential != tt.essential || dc.AuthStore != tt.authStore || dc.Extension != tt.extension {
				t.Errorf("ClassifyDir(%q) = %+v", tt.rel, dc)
			}
		})
	}
}

func TestKeepSubdir(t *testing.T) {
	tests := []struct {
		parent string
		name   string
		want   bool
	}{
		{"", "Default", true},
		{"", "Profile 1", true},
		{"", "ShaderCache", false},
		{"", "Crashpad", false},
		{"Default", "Local Storage", true},
		{"Default", "Extensions", true},
		{"Default", "Network", true},
		{"Default", "IndexedDB", false},
		{"Default", "Code Cache", false},
		{"Default", "GPUCache", false},
		{"Default/Local Storage", "leveldb", true},
		{"Default/Extensions", "abcdefghijklmnop", true},
		{"Default/Service Worker", "CacheStorage", false},
		{"Default/Service Worker", "ScriptCache", false},
		{"Default/Extensions/abc/1.0_0", "temp", false},
		// non-essential intermediates are pruned along with anything essential below them
		{"Default", "Storage", false},
		{"", "Guest Profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.parent+"/"+tt.name, func(t *testing.T) {
			if got := KeepSubdir(ClassifyDir(tt.parent), tt.name); got != tt.want {
				t.Errorf("KeepSubdir(%q, %q) = %v, want %v", tt.parent, tt.name, got, tt.want)
			}
		})
	}
}

func TestClassifyFile(t *testing.T) {
	tests := []struct {
		dir      string
		name     string
		category Category
		keep     bool
		ceiling  int64
	}{
		{"Default", "foo.tmp", CategoryTemp, false, 0},
		{"Default/Local Storage/leveldb", "000003.TEMP", CategoryTemp, false, 0},
		{"Default", "profile.lock", CategoryLock, false, 0},
		{"Default/Local Storage/leveldb", "store.lock", CategoryEssential, true, EssentialFileCeiling},
		{"Default/Local Storage/leveldb", "LOCK", CategoryAuthStore, true, EssentialFileCeiling},
		{"Default/Local Storage/leveldb", "000003.log", CategoryAuthStore, true, EssentialFileCeiling},
		{"Default/Session Storage", "MANIFEST-000001", CategoryAuthStore, true, EssentialFileCeiling},
		{"Default/Sync Data/LevelDB", "000005.ldb", CategoryAuthStore, true, EssentialFileCeiling},
		{"Default/Extensions/abc/1.0_0", "background.js", CategoryExtensions, true, ExtensionFileCeiling},
		{"Default/Extensions/abc/1.0_0", "blob.bin", CategoryExtensions, true, ExtensionFileCeiling},
		{"Default/Network", "Cookies", CategoryEssential, true, EssentialFileCeiling},
		{"Default", "Cookies", CategoryEssential, true, EssentialFileCeiling},
		{"Default", "Login Data", CategoryEssential, true, EssentialFileCeiling},
		{"Default", "Current Session", CategoryEssential, true, EssentialFileCeiling},
		{"Default", "GPUCache.bin", CategorySkipped, false, 0},
		{"Default", "DownloadMetadata", CategorySkipped, false, 0},
		{"Default", "Visited Links", CategoryNone, true, OtherFileCeiling},
		{"", "Local State", CategoryNone, true, OtherFileCeiling},
	}
	for _, tt := range tests {
		t.Run(tt.dir+"/"+tt.name, func(t *testing.T) {
			got := ClassifyFile(ClassifyDir(tt.dir), tt.name)
			if got.Category != tt.category || got.Keep != tt.keep || got.Ceiling != tt.ceiling {
				t.Errorf("ClassifyFile(%q, %q) = %+v, want {%v %v %d}", tt.dir, tt.name, got, tt.category, tt.keep, tt.ceiling)
			}
		})
	}
}

func TestCategoryString(t *testing.T) {
	if CategoryAuthStore.String() != "auth_store" {
		t.Errorf("CategoryAuthStore.String() = %q", CategoryAuthStore.String())
	}
	if Category(99).String() != "unknown" {
		t.Error("out-of-range category should be unknown")
	}
}
