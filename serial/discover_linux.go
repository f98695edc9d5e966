//go:build linux

package serial

import (
	"os"

	"golang.org/x/sys/unix"
)

// isTTY performs a quick TCGETS sanity probe so a path returned by
// enumeration is rejected early if it isn't actually a serial line
// discipline, rather than wasting a full
// connect handshake's timeout on it.
func isTTY(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
