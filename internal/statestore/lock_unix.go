//go:build !windows

package statestore

import (
	"os"

	"golang.org/x/sys/unix"
)

func tryLockOnce(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockOnce(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
