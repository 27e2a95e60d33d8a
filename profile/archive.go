package profile

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/St-Ryzen/MNL/retry"
)

// Archive is a finished profile archive.
type Archive struct {
	Data         []byte
	FilesAdded   int
	FilesSkipped int
	Duration     time.Duration
}

// Size returns the compressed archive size in bytes.
func (a *Archive) Size() int64 { return int64(len(a.Data)) }

// Encoded returns the archive in the base64 form kept by the store.
func (a *Archive) Encoded() string { return Encode(a.Data) }

// Encode base64-encodes archive bytes.
func Encode(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return data, nil
}

// Archiver builds archives of profile directories. The zero value uses
// retry.ArchivePolicy and the default logger.
type Archiver struct {
	Policy retry.Policy
	Logger *slog.Logger
}

func (a *Archiver) logger() *slog.Logger {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "profile_archive"))
}

// BackupPath returns the working file used while archiving profileDir.
func BackupPath(profileDir string) string {
	return filepath.Clean(profileDir) + "_backup.zip"
}

// Archive builds an archive of profileDir. The source directory is not
// modified. Structural failures (no files, size out of bounds) remove the
// working file before returning. ctx is only consulted between attempts.
func (a *Archiver) Archive(ctx context.Context, profileDir string) (*Archive, error) {
	p := a.Policy
	if p.MaxAttempts == 0 {
		p = retry.ArchivePolicy()
	}
	log := a.logger().With(slog.String("profile", profileDir))
	attempt := 0
	return retry.DoValue(ctx, p, func() (*Archive, error) {
		attempt++
		res, err := a.build(log, profileDir)
		if err != nil {
			log.Warn("archive attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
			return nil, err
		}
		log.Info("profile archived",
			slog.Int("files_added", res.FilesAdded),
			slog.Int("files_skipped", res.FilesSkipped),
			slog.Int64("bytes", res.Size()),
			slog.Duration("took", res.Duration))
		return res, nil
	})
}

func (a *Archiver) build(log *slog.Logger, profileDir string) (*Archive, error) {
	start := time.Now()
	fi, err := os.Stat(profileDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrProfileMissing, profileDir))
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, retry.Permanent(fmt.Errorf("%w: %s is not a directory", ErrProfileMissing, profileDir))
	}

	out := BackupPath(profileDir)
	if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("could not remove previous backup file", slog.Any("err", err))
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}
	discard := func() {
		if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Warn("could not remove backup file", slog.Any("err", rmErr))
		}
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	added, skipped, walkErr := writeProfile(zw, profileDir, log)
	closeErr := zw.Close()
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}
	if walkErr != nil || closeErr != nil {
		discard()
		return nil, fmt.Errorf("write archive: %w", errors.Join(walkErr, closeErr))
	}

	if added == 0 {
		discard()
		return nil, retry.Permanent(fmt.Errorf("%w (skipped %d files)", ErrNoFiles, skipped))
	}
	st, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("stat backup file: %w", err)
	}
	switch size := st.Size(); {
	case size < MinArchiveSize:
		discard()
		return nil, fmt.Errorf("%w: %d bytes", ErrArchiveTooSmall, size)
	case size > MaxArchiveSize:
		discard()
		return nil, fmt.Errorf("%w: %.1f MB (max %d MB)", ErrArchiveTooLarge, float64(size)/(1<<20), MaxArchiveSize>>20)
	}

	data, err := os.ReadFile(out)
	discard()
	if err != nil {
		return nil, fmt.Errorf("read backup file: %w", err)
	}
	return &Archive{Data: data, FilesAdded: added, FilesSkipped: skipped, Duration: time.Since(start)}, nil
}

// writeProfile walks root and adds every qualifying file to zw. Unreadable
// and oversized files are counted as skipped.
func writeProfile(zw *zip.Writer, root string, log *slog.Logger) (added, skipped int, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			log.Debug("skipping unreadable path", slog.String("path", p), slog.Any("err", walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			skipped++
			return nil
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !KeepSubdir(ClassifyDir(filepath.Dir(rel)), d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			skipped++
			return nil
		}

		dir := ClassifyDir(filepath.Dir(rel))
		dec := ClassifyFile(dir, d.Name())
		if !dec.Keep {
			skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			skipped++
			return nil
		}
		if info.Size() > dec.Ceiling {
			log.Warn("skipping oversized file",
				slog.String("file", filepath.ToSlash(rel)),
				slog.Int64("bytes", info.Size()),
				slog.Int64("ceiling", dec.Ceiling))
			skipped++
			return nil
		}
		if err := addFile(zw, p, filepath.ToSlash(rel), info); err != nil {
			log.Debug("skipped file", slog.String("file", filepath.ToSlash(rel)), slog.Any("err", err))
			skipped++
			return nil
		}
		added++
		if dec.Essential() {
			log.Debug("added file", slog.String("file", filepath.ToSlash(rel)), slog.String("category", dec.Category.String()))
		}
		return nil
	})
	return added, skipped, err
}

// addFile opens the file before creating the zip entry so a
// locked file never leaves a half-written entry behind.
func addFile(zw *zip.Writer, src, name string, info fs.FileInfo) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	probe := make([]byte, 1)
	if _, err := f.Read(probe); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
