package statestore

import (
	"context"
	"os"
	"time"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// fileLock is an exclusive advisory lock on a sidecar ".lock" file. The
// underlying primitive differs per platform (flock on POSIX, LockFileEx on
// Windows) but both are driven through the same poll-with-timeout loop, so
// TryAcquire is implemented once here and only tryLockOnce is platform
// specific (lock_unix.go / lock_windows.go).
type fileLock struct {
	path string
	file *os.File
}

const lockPollInterval = 100 * time.Millisecond

// TryAcquire polls for the lock until it succeeds, the context is
// cancelled, or timeout elapses — whichever comes first. timeout of 0 means
// "try once, fail immediately if unavailable".
func (l *fileLock) TryAcquire(ctx context.Context, timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return &errs.StateWriteError{Path: l.path, Err: err}
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	for {
		if err := tryLockOnce(l.file); err == nil {
			return nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			l.file.Close()
			l.file = nil
			return &errs.LockTimeoutError{Path: l.path, Timeout: timeout.String()}
		}
		select {
		case <-ctx.Done():
			l.file.Close()
			l.file = nil
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release releases the lock and closes the underlying file handle.
func (l *fileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unlockOnce(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
