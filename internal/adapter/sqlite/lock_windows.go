//go:build windows

package sqlite

import (
	"errors"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"golang.org/x/sys/windows"
)

// lockContentionErrno is returned by the OS while another process holds
// the file.
var lockContentionErrno error = windows.ERROR_SHARING_VIOLATION

func isLockContention(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED) ||
		errors.Is(err, sqlite3.BUSY) ||
		errors.Is(err, sqlite3.LOCKED)
}
