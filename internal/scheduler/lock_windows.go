//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileLock holds the scheduler lock by creating the lock file exclusively.
// A file left behind by a process that no longer exists is reclaimed.
type FileLock struct {
	path string
	held bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock returns false without error while a live process owns the file.
func (l *FileLock) TryLock() (bool, error) {
	if l.held {
		return false, fmt.Errorf("lock %s already held by this process", l.path)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			if attempt == 0 && l.stale() {
				_ = os.Remove(l.path)
				continue
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = os.Remove(l.path)
			return false, werr
		}
		l.held = true
		return true, nil
	}
	return false, nil
}

// stale reports whether the recorded owner pid is gone.
func (l *FileLock) stale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	_ = p.Release()
	return false
}

// Unlock deletes the lock file.
func (l *FileLock) Unlock() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
