package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxBytes is the size at which the active log file is rotated.
	DefaultMaxBytes = 2 * 1024 * 1024
	// DefaultMaxFiles is the number of files kept, active file included.
	DefaultMaxFiles = 5
)

// RotatingFile is an io.Writer that appends to dir/name and rotates the file
// to name.1, name.2, ... once it grows beyond MaxBytes.
//
// It is safe for concurrent use.
type RotatingFile struct {
	mu       sync.Mutex
	dir      string
	name     string
	maxBytes int64
	maxFiles int
	file     *os.File
	size     int64
}

// OpenRotatingFile creates dir if needed and opens dir/name for appending.
func OpenRotatingFile(dir, name string, maxBytes int64, maxFiles int) (*RotatingFile, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if name == "" {
		name = "meshclient.log"
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxFiles <= 1 {
		maxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &RotatingFile{
		dir:      dir,
		name:     name,
		maxBytes: maxBytes,
		maxFiles: maxFiles,
	}
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the path of the active log file.
func (r *RotatingFile) Path() string {
	return filepath.Join(r.dir, r.name)
}

// Write implements io.Writer.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, err
	}
	if r.size >= r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close closes the active file. Subsequent writes reopen it.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) openLocked() error {
	file, err := os.OpenFile(r.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if info, err := file.Stat(); err == nil {
		r.size = info.Size()
	}
	r.file = file
	return nil
}

func (r *RotatingFile) rotateLocked() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	base := r.Path()
	_ = os.Remove(fmt.Sprintf("%s.%d", base, r.maxFiles-1))
	for i := r.maxFiles - 2; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("%s.%d", base, i+1))
	}
	_ = os.Rename(base, base+".1")
	r.size = 0
	return r.openLocked()
}
