package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// FileRotator is an io.Writer that rotates its file once it would grow
// past maxBytes. Rotated files are named <base>-<timestamp><ext>, optionally
// gzipped, and at most maxBackups are kept.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	now  func() time.Time
}

// NewFileRotator opens path for appending, creating its directory.
func NewFileRotator(path string, maxBytes int64, maxBackups int, compress bool) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &FileRotator{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		compress:   compress,
		now:        time.Now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) prefixExt() (string, string) {
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	return filepath.Join(filepath.Dir(r.path), strings.TrimSuffix(base, ext)+"-"), ext
}

// rotate must be called with r.mu held.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	prefix, ext := r.prefixExt()
	rotated := prefix + r.now().UTC().Format("20060102T150405.000000000") + ext
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}
	if err := r.open(); err != nil {
		return err
	}
	return r.prune()
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	prefix, _ := r.prefixExt()
	matches, err := filepath.Glob(prefix + "*")
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically.
	sort.Strings(matches)
	return matches, nil
}

func (r *FileRotator) prune() error {
	if r.maxBackups <= 0 {
		return nil
	}
	backups, err := r.Backups()
	if err != nil {
		return err
	}
	for len(backups) > r.maxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
