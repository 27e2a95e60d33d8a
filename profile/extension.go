package profile

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ExtensionPath is where Chromium keeps an unpacked extension inside a profile.
func ExtensionPath(profileDir, id, version string) string {
	return filepath.Join(profileDir, "Default", "Extensions", id, version+"_0")
}

// InstallExtension copies the unpacked extension at src into profileDir,
// replacing any previous copy of the same version. It returns the number of
// files copied.
func InstallExtension(profileDir, src, id, version string) (int, error) {
	if fi, err := os.Stat(src); err != nil {
		return 0, fmt.Errorf("extension source: %w", err)
	} else if !fi.IsDir() {
		return 0, fmt.Errorf("extension source %s is not a directory", src)
	}
	dst := ExtensionPath(profileDir, id, version)
	if err := os.RemoveAll(dst); err != nil {
		return 0, fmt.Errorf("remove previous extension copy: %w", err)
	}
	n := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(p, out); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("copy extension: %w", err)
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
