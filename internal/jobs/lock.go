package jobs

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked signals that another run currently holds the job lock. Callers
// exit non-zero immediately; there is no waiting or queueing.
var ErrLocked = errors.New("another run holds the job lock")

// FileLock is the cross-process mutual exclusion for the daily job. A lock
// file older than staleAfter is assumed abandoned (crashed run) and broken.
type FileLock struct {
	path       string
	staleAfter time.Duration
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, staleAfter: 2 * time.Hour}
}

// Acquire takes the lock or fails fast with ErrLocked.
func (l *FileLock) Acquire() error {
	if info, err := os.Stat(l.path); err == nil {
		if time.Since(info.ModTime()) < l.staleAfter {
			return ErrLocked
		}
		// Stale lock from a dead run; break it and take over.
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to break stale lock %s: %w", l.path, err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return fmt.Errorf("failed to create lock %s: %w", l.path, err)
	}
	defer f.Close()

	_, _ = fmt.Fprintf(f, "Start %s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Release removes the lock file. Errors are ignored: the file may already
// have been removed by hand.
func (l *FileLock) Release() {
	_ = os.Remove(l.path)
}
