// Package storage provides the advisory file locking the Session Registry
// uses to serialize writes across processes.
package storage

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileLock is an exclusive, process-wide and cross-process lock backed by
// flock(2) on a sidecar "<path>.lock" file.
type FileLock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns a lock guarding writes to path (not path itself —
// the lock file is path+".lock" so it never collides with path's own
// temp-file-then-rename dance).
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the exclusive lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("storage: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		l.mu.Unlock()
		return fmt.Errorf("storage: flock: %w", err)
	}
	l.file = f
	return nil
}

// Unlock releases the lock acquired by Lock.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	l.mu.Unlock()
	return nil
}
