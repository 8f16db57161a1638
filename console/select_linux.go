//go:build linux

package console

import (
	"os"

	"golang.org/x/sys/unix"
)

// canSelect contains a platform-specific implementation of code that
// uses SELECT to see whether STDIN has pending input.
func canSelect() bool {

	var readfds unix.FdSet

	fd := int(os.Stdin.Fd())
	readfds.Set(fd)

	// See if input is pending, for a while.
	n, err := unix.Select(fd+1, &readfds, nil, nil, &unix.Timeval{Usec: 200})
	if err != nil {
		return false
	}

	return n > 0
}
