package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockBusy is returned when a lock could not be acquired in time.
var ErrLockBusy = errors.New("storage: lock busy")

// Lock acquisition retry policy.
const (
	lockInitialInterval = 2 * time.Millisecond
	lockMaxInterval     = 100 * time.Millisecond
	lockMaxElapsedTime  = 5 * time.Second
)

// FileLock is an exclusive lock shared by goroutines (mutex) and by
// processes (flock on a sidecar .lock file).
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a new file lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to acquire the lock without blocking.
func (l *FileLock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return false
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		l.mu.Unlock()
		return false
	}

	l.file = f
	return true
}

// Lock acquires the lock, retrying TryLock with jittered exponential
// backoff until ctx is done or the retry budget is spent.
func (l *FileLock) Lock(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lockInitialInterval
	b.MaxInterval = lockMaxInterval
	b.MaxElapsedTime = lockMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Reset()

	err := backoff.Retry(func() error {
		if l.TryLock() {
			return nil
		}
		return ErrLockBusy
	}, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + ".lock")

	l.file = nil
	l.mu.Unlock()
	return nil
}
