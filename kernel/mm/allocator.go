package mm

import (
	"sync/atomic"

	"github.com/DraftedDev/Subatomic-OS/kernel"
)

// Allocator is the architecture-neutral entry point table of the memory
// subsystem. Each supported architecture provides one implementation which
// gets bound exactly once at boot via SetAllocator; the rest of the kernel
// only ever talks to the package-level functions below.
type Allocator interface {
	// Init brings up the frame allocator, the address space and the heap,
	// in that order.
	Init() *kernel.Error

	// IsInit returns true once the heap can serve allocations.
	IsInit() bool

	// Alloc returns a block that satisfies layout or 0 if the heap is
	// exhausted.
	Alloc(layout Layout) uintptr

	// AllocZeroed behaves like Alloc but zero-fills the returned block.
	AllocZeroed(layout Layout) uintptr

	// Dealloc returns a block obtained with the same layout to the heap.
	Dealloc(ptr uintptr, layout Layout)

	// Realloc resizes a block to newSize, preserving its contents up to
	// min(layout.Size, newSize). It returns 0 and leaves the original block
	// intact if the request cannot be satisfied.
	Realloc(ptr uintptr, layout Layout, newSize uintptr) uintptr
}

var (
	// ErrAllocatorAlreadyBound is returned by SetAllocator if an allocator
	// has already been bound.
	ErrAllocatorAlreadyBound = &kernel.Error{Module: "mm", Message: "allocator already bound"}

	// ErrNilAllocator is returned by SetAllocator when passed a nil value.
	ErrNilAllocator = &kernel.Error{Module: "mm", Message: "nil allocator"}

	boundAllocator Allocator
	bound          uint32
)

// SetAllocator binds a to the kernel-wide allocator hook. It succeeds only
// once; every later call returns ErrAllocatorAlreadyBound.
func SetAllocator(a Allocator) *kernel.Error {
	if a == nil {
		return ErrNilAllocator
	}

	if !atomic.CompareAndSwapUint32(&bound, 0, 1) {
		return ErrAllocatorAlreadyBound
	}

	boundAllocator = a
	return nil
}

// IsInit returns true if an allocator is bound and its heap is ready.
func IsInit() bool {
	if atomic.LoadUint32(&bound) == 0 || boundAllocator == nil {
		return false
	}
	return boundAllocator.IsInit()
}

// Alloc allocates a block through the bound allocator. It returns 0 if no
// allocator is bound or the request cannot be satisfied.
func Alloc(layout Layout) uintptr {
	if !IsInit() {
		return 0
	}
	return boundAllocator.Alloc(layout)
}

// AllocZeroed allocates a zero-filled block through the bound allocator.
func AllocZeroed(layout Layout) uintptr {
	if !IsInit() {
		return 0
	}
	return boundAllocator.AllocZeroed(layout)
}

// Dealloc releases a block through the bound allocator.
func Dealloc(ptr uintptr, layout Layout) {
	if ptr == 0 || !IsInit() {
		return
	}
	boundAllocator.Dealloc(ptr, layout)
}

// Realloc resizes a block through the bound allocator.
func Realloc(ptr uintptr, layout Layout, newSize uintptr) uintptr {
	if !IsInit() {
		return 0
	}
	return boundAllocator.Realloc(ptr, layout, newSize)
}
