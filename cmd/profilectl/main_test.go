package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seed(t *testing.T) (base, live, stale string) {
	t.Helper()
	base = t.TempDir()
	live = profile.Dir(base, 3, "carol")
	stale = profile.PreservedPath(live)
	testutil.ProfileTree(t, live, map[string]int{
		"Default/Cookies":                         4096,
		"Default/Local Storage/leveldb/000003.log": 2048,
		"Default/Extensions/abc/1.0_0/manifest.json": 512,
	})
	testutil.ProfileTree(t, stale, map[string]int{"Default/Cookies": 1024})
	return base, live, stale
}

func TestCleanupBackups(t *testing.T) {
	base, live, stale := seed(t)

	out, err := run(t, "cleanup-backups", "--dir", base)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "Dry run") || !strings.Contains(out, filepath.Base(stale)) {
		t.Errorf("dry run output = %q", out)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("dry run removed %s", stale)
	}

	out, err = run(t, "cleanup-backups", "--dir", base, "--confirm")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(out, "Removed 1 backup(s)") {
		t.Errorf("confirm output = %q", out)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale dir still present: %v", err)
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("live profile removed: %v", err)
	}

	out, err = run(t, "cleanup-backups", "--dir", base)
	if err != nil || !strings.Contains(out, "No stale backups found") {
		t.Errorf("empty run = %q, %v", out, err)
	}
}

func TestCheckStorage(t *testing.T) {
	base, live, _ := seed(t)
	t.Setenv("PROFILES_DIR", base)

	out, err := run(t, "check-storage")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Profiles (1)", filepath.Base(live), "Preserved copies (1)", "Total:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestArchiveVerifyRestore(t *testing.T) {
	_, live, _ := seed(t)
	work := t.TempDir()

	tests := []struct {
		name string
		out  string
	}{
		{"zip", filepath.Join(work, "carol.zip")},
		{"base64", filepath.Join(work, "carol.b64")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, "archive", live, tt.out); err != nil {
				t.Fatalf("archive: %v", err)
			}
			out, err := run(t, "verify", tt.out)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if !strings.Contains(out, "is valid") || !strings.Contains(out, "[abc]") {
				t.Errorf("verify output = %q", out)
			}

			target := filepath.Join(work, "restored_"+tt.name)
			if _, err := run(t, "restore", tt.out, target); err != nil {
				t.Fatalf("restore: %v", err)
			}
			got := testutil.ListFiles(t, target)
			if len(got) != 3 {
				t.Errorf("restored files = %v", got)
			}
		})
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.zip")
	if err := os.WriteFile(p, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "verify", p); err == nil {
		t.Error("expected error for invalid archive")
	}
	if _, err := run(t, "verify"); err == nil {
		t.Error("expected error without arguments")
	}
}
