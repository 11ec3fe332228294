//go:build !windows

package sqlite

import (
	"errors"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"golang.org/x/sys/unix"
)

// lockContentionErrno is returned by the OS while another process holds
// the file.
var lockContentionErrno error = unix.EBUSY

func isLockContention(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ETXTBSY) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, sqlite3.BUSY) ||
		errors.Is(err, sqlite3.LOCKED)
}
