// Package securefile reads and writes owner-only files atomically.
package securefile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// FileMode is applied to every file written by this package.
	FileMode fs.FileMode = 0600
	// DirMode is applied to parent directories created by this package.
	DirMode fs.FileMode = 0700
)

// ErrInsecurePermissions is returned by Read when a file is readable by others.
var ErrInsecurePermissions = errors.New("insecure file permissions")

// EnsureDir creates dir (and parents) with DirMode. An existing dir that is
// accessible to others is tightened to DirMode; its parents are left alone.
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory cannot be empty")
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return err
	}
	if filepath.Clean(dir) == "." {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(dir, DirMode); err != nil {
			return fmt.Errorf("restricting %s: %w", dir, err)
		}
	}
	return nil
}

// Restrict resets path to FileMode.
func Restrict(path string) error {
	return os.Chmod(path, FileMode)
}

// Read returns the file contents. Files with permissions other than FileMode are
// rejected so that a world-readable credential is never silently trusted.
func Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w on %s: %04o (expected %04o)", ErrInsecurePermissions, path, perm, FileMode)
	}

	return os.ReadFile(path)
}

// Write atomically saves data using temp file + rename for crash safety.
func Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	// Temp file in the same directory keeps the rename atomic
	tempFile, err := os.CreateTemp(dir, ".*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if err := tempFile.Chmod(FileMode); err != nil {
		return err
	}
	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, path); err != nil {
		// Windows refuses to rename over an existing file
		_ = os.Remove(path)
		if err2 := os.Rename(tempName, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %w)", err, err2)
		}
	}

	return os.Chmod(path, FileMode)
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
