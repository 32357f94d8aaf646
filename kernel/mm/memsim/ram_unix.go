//go:build unix

package memsim

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// allocRAM reserves size bytes of zeroed host memory via an anonymous
// private mapping.
func allocRAM(size uintptr) ([]byte, func() error, error) {
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %d bytes of simulated RAM", size)
	}

	return ram, func() error { return unix.Munmap(ram) }, nil
}
