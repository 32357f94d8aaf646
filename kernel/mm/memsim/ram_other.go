//go:build !unix

package memsim

func allocRAM(size uintptr) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
