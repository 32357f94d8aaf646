package mm

import "unsafe"

// Memory provides word and block access to kernel virtual memory. The free
// list and the page table walker only ever touch memory through it, which
// keeps every raw pointer dereference in one place and allows the memory
// subsystem to run on top of a simulated machine.
type Memory interface {
	// ReadUint64 returns the 8-byte word stored at addr.
	ReadUint64(addr uintptr) uint64

	// WriteUint64 stores val at addr.
	WriteUint64(addr uintptr, val uint64)

	// Memset sets size bytes starting at addr to value.
	Memset(addr uintptr, value byte, size uintptr)

	// Memcopy copies size bytes from src to dst. The regions may overlap.
	Memcopy(src, dst uintptr, size uintptr)
}

// DirectMemory implements Memory by dereferencing kernel virtual addresses.
type DirectMemory struct{}

// ReadUint64 implements Memory.
func (DirectMemory) ReadUint64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// WriteUint64 implements Memory.
func (DirectMemory) WriteUint64(addr uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = val
}

// Memset sets size bytes at the given address to the supplied value. It seeds
// the first byte and doubles the filled prefix with each copy call, so any
// block needs only log2(size) copies regardless of its alignment. It serves
// both page table zeroing and AllocZeroed blocks.
func (DirectMemory) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (DirectMemory) Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(
		unsafe.Slice((*byte)(unsafe.Pointer(dst)), size),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), size),
	)
}
