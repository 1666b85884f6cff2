// Package lock guarantees a single daemon per profile cache.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// Holder describes the process that owns a profile lock.
type Holder struct {
	PID     int
	OwnerID string
	Since   time.Time
}

// LockHeldError is returned when another process holds the profile lock.
type LockHeldError struct {
	Holder
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on the profile directory and records the
// current PID and the owner being synced. Returns LockHeldError if another
// process already holds it.
func Acquire(profileDir, ownerID string) (*Lock, error) {
	lockPath := filepath.Join(profileDir, FileName)

	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Holder: parseHolder(string(data)), Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nowner=%s\ntime=%s\n",
		os.Getpid(), ownerID, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Inspect reports who holds the profile lock. It returns false when the
// lock is free or the file is missing.
func Inspect(profileDir string) (Holder, bool, error) {
	lockPath := filepath.Join(profileDir, FileName)
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0600)
	if errors.Is(err, os.ErrNotExist) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, err
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Holder{}, false, nil
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, false, err
	}
	return parseHolder(string(data)), true, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "owner":
			h.OwnerID = value
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}
