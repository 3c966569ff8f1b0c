//go:build unix

package atrest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes an exclusive advisory lock on f and blocks until it is granted.
// The writer holds it for each append and the feed holds it while deciding
// whether to truncate, so a record is never appended between the two.
func Lock(f *os.File) (unlock func(), err error) {
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", f.Name(), err)
	}
	return func() { unix.Flock(fd, unix.LOCK_UN) }, nil
}
