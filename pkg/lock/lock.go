// Package lock guards a sync run against concurrent instances with an
// advisory flock(2) on a lock file. The holder's PID is written into the
// file for diagnostics; the kernel drops the lock if the process dies.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Acquire when another process holds the lock
var ErrLocked = errors.New("another followsync instance is running")

// Lock is an exclusive, non-blocking file lock
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New creates a lock on path. It is not acquired.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock or fails immediately with ErrLocked
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := readPID(l.path); pid > 0 {
				return fmt.Errorf("%w (pid %d, lock %s)", ErrLocked, pid, l.path)
			}
			return fmt.Errorf("%w (lock %s)", ErrLocked, l.path)
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.file = f
	return nil
}

// Release gives up the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	_ = f.Truncate(0)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// Held reports whether this Lock currently holds the file lock
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// HolderPID returns the PID recorded in the lock file, or 0
func (l *Lock) HolderPID() int {
	return readPID(l.path)
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
