/*
This package hands out gofrs/flock locks on a shared lock file so that every process
touching the same on-disk state (the client and any tool editing its writeback file)
serializes its writes.
*/
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

type FileLock struct {
	path string
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (f *FileLock) Path() string {
	return f.path
}

// NewLock returns a lock handle for the shared lock file, creating its directory if
// needed. Handles are not safe for concurrent use; take one per goroutine.
func (f *FileLock) NewLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory for %s: %w", f.path, err)
	}
	return flock.New(f.path), nil
}

// AcquireLock blocks until it holds an exclusive lock. The caller must Unlock it.
func (f *FileLock) AcquireLock(ctx context.Context) (*flock.Flock, error) {
	lock, err := f.NewLock()
	if err != nil {
		return nil, err
	}

	if acquired, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", f.path, err)
	} else if !acquired {
		return nil, fmt.Errorf("failed to acquire lock %s", f.path)
	}
	return lock, nil
}
