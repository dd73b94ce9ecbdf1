//go:build windows

package statestore

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockedRange locks a single byte of the file, enough to exclude other
// writers without needing to know the file's full length.
const lockedRange = 1

func tryLockOnce(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		lockedRange,
		0,
		ol,
	)
}

func unlockOnce(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockedRange, 0, ol)
}
