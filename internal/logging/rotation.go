package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and rolls it over once it grows
// past a size limit. Numbered backups (file.1 is the newest) are kept
// up to a cap. Safe for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	backups int
	size    int64
}

// NewRotatingWriter opens path for appending, creating its directory if
// needed. The file rolls over after maxSizeMB megabytes; backups old
// files are kept. Non-positive arguments fall back to 20 MB and 3.
func NewRotatingWriter(path string, maxSizeMB, backups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if backups <= 0 {
		backups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:    path,
		limit:   int64(maxSizeMB) * 1024 * 1024,
		backups: backups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write implements io.Writer, rolling the file over first when the
// record would push it past the limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.limit {
		if err := rw.roll(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Reopen closes and reopens the log file. The SIGHUP handler calls this
// so an external logrotate move is picked up.
func (rw *RotatingWriter) Reopen() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file != nil {
		rw.file.Close()
	}
	return rw.open()
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// TeeWriter returns an io.Writer that writes to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// roll renames the active file to .1 after pushing each existing backup
// one slot down. The oldest backup falls off the end.
func (rw *RotatingWriter) roll() error {
	if rw.file != nil {
		rw.file.Close()
		rw.file = nil
	}

	os.Remove(rw.backupPath(rw.backups))
	for i := rw.backups - 1; i >= 1; i-- {
		os.Rename(rw.backupPath(i), rw.backupPath(i+1))
	}
	os.Rename(rw.path, rw.backupPath(1))

	return rw.open()
}

func (rw *RotatingWriter) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}
