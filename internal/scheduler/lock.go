//go:build !windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// FileLock is a non-blocking flock(2) lock. The holder's pid is written to
// the file for diagnostics.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock returns false without error when another process holds the lock.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return false, fmt.Errorf("lock %s already held by this process", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	l.file = f
	return true, nil
}

// Unlock releases the lock. The file is left in place so a waiting process
// never locks an unlinked inode.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = f.Truncate(0)
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
