// Package security holds file-level protections for key material and the
// node data directory: atomic writes with restrictive permissions, a
// permission check on read, and an exclusive lock on the data directory.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	PermSecretFile os.FileMode = 0o600
	PermSecretDir  os.FileMode = 0o700
	PermPublicFile os.FileMode = 0o644
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrLocked              = errors.New("security: directory is locked by another process")
)

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return err
	}
	tmp := path + ".tmp." + hex.EncodeToString(suffix[:])
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// WriteSecretFile writes data atomically with mode 0600.
func WriteSecretFile(path string, data []byte) error {
	return WriteFileAtomic(path, data, PermSecretFile)
}

// ReadSecretFile reads a file that must not be group or world accessible.
// The permission check is skipped on Windows.
func ReadSecretFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}

// EnsureSecureDir creates path with mode 0700, tightening an existing
// directory that is group or world accessible.
func EnsureSecureDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, PermSecretDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("security: %s is not a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(path, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// DirLock is an exclusive lock on a directory, held through a lock file.
type DirLock struct {
	f    *os.File
	path string
}

// LockDir takes an exclusive, non-blocking lock on dir. It returns
// ErrLocked when another process holds it.
func LockDir(dir string) (*DirLock, error) {
	if err := EnsureSecureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &DirLock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
