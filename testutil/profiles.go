package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// RandomBytes returns n pseudo-random bytes. Random content keeps archives
// from compressing below the minimum accepted size.
func RandomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(b)
	return b
}

// ProfileTree writes files below root. Keys are slash-separated relative
// paths and values are file sizes in bytes.
func ProfileTree(t testing.TB, root string, files map[string]int) {
	t.Helper()
	seed := int64(1)
	for _, rel := range SortedKeys(files) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(p, RandomBytes(files[rel], seed), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
		seed++
	}
}

// ListFiles returns the slash-separated relative paths of all regular files
// below root, sorted.
func ListFiles(t testing.TB, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

// SortedKeys returns the keys of m in order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
