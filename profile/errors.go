package profile

import "errors"

var (
	// ErrProfileMissing is returned when the profile directory does not exist.
	ErrProfileMissing = errors.New("profile directory does not exist")
	// ErrNoFiles is returned when no file in the profile qualified for the archive.
	ErrNoFiles = errors.New("no files were added to backup")
	// ErrArchiveTooSmall is returned for archives below MinArchiveSize.
	ErrArchiveTooSmall = errors.New("backup archive is too small")
	// ErrArchiveTooLarge is returned for archives above MaxArchiveSize.
	ErrArchiveTooLarge = errors.New("backup archive is too large")
	// ErrNoBackup is returned when there is no archive to restore.
	ErrNoBackup = errors.New("no backup found")
)
