// Package heap implements the kernel heap. A fixed virtual span is backed by
// freshly allocated frames at boot and then carved into allocations by an
// Arena.
package heap

import (
	"sync/atomic"

	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/vmm"
	"github.com/DraftedDev/Subatomic-OS/kernel/sync"
	"golang.org/x/exp/slog"
)

var (
	// ErrOutOfHeapMemory is passed to the OOM handler when the arena
	// cannot satisfy a request.
	ErrOutOfHeapMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}

	// ErrUnalignedSpan is returned by Init if the heap span does not start
	// at a page boundary.
	ErrUnalignedSpan = &kernel.Error{Module: "heap", Message: "heap span is not page aligned"}

	// oomHandler is invoked (without holding the heap lock) whenever an
	// allocation fails.
	oomHandler OOMHandler = logOOM
)

// OOMHandler is invoked with the layout of an allocation request that could
// not be satisfied. The allocation returns 0 once the handler returns.
type OOMHandler func(err *kernel.Error, layout mm.Layout)

// SetOOMHandler replaces the handler invoked when an allocation fails.
// Passing nil restores the default handler which logs a single line.
func SetOOMHandler(handler OOMHandler) {
	if handler == nil {
		handler = logOOM
	}
	oomHandler = handler
}

func logOOM(err *kernel.Error, layout mm.Layout) {
	kfmt.Logf(kfmt.LevelError, "[%s] %s: unable to allocate %d bytes (align %d)", err.Module, err.Message, layout.Size, layout.Align)
}

// PageMapper installs a mapping for a caller-selected virtual page.
// *vmm.AddressSpace implements it.
type PageMapper interface {
	MapPage(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
}

// Heap serves allocations from a fixed virtual span.
type Heap struct {
	mutex sync.Spinlock

	mem        mm.Memory
	arena      Arena
	start      uintptr
	size       mm.Size
	initCalled bool
	ready      uint32
}

// Init backs every page of [start, start+size) with a frame obtained from
// allocFn, mapped present and writable through mapper, and then hands the
// span to the arena. The heap is ready for use once Init returns nil.
//
// An unaligned start is rejected without side effects. Any later failure is
// final: Init returns ErrAlreadyInitialized from then on and the frames
// already taken from allocFn stay consumed.
func (h *Heap) Init(mem mm.Memory, start uintptr, size mm.Size, allocFn mm.FrameAllocatorFn, mapper PageMapper) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.initCalled {
		return ErrAlreadyInitialized
	}
	if start&(mm.PageSize-1) != 0 {
		return ErrUnalignedSpan
	}
	h.initCalled = true

	pageCount := size.Pages()
	for page := mm.PageFromAddress(start); pageCount > 0; page, pageCount = page+1, pageCount-1 {
		frame, err := allocFn()
		if err != nil {
			return err
		}

		if err = mapper.MapPage(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	h.mem = mem
	h.start = start
	h.size = mm.Size(size.Pages() << mm.PageShift)
	h.arena = Arena{mem: mem}
	if err := h.arena.Claim(start, uintptr(h.size)); err != nil {
		return err
	}

	atomic.StoreUint32(&h.ready, 1)
	return nil
}

// IsInit returns true once the heap can serve allocations.
func (h *Heap) IsInit() bool {
	return atomic.LoadUint32(&h.ready) == 1
}

// Span returns the start address and the size of the heap span.
func (h *Heap) Span() (uintptr, mm.Size) {
	return h.start, h.size
}

// Alloc returns a block that satisfies layout or 0 if the heap is exhausted
// or not initialized yet.
func (h *Heap) Alloc(layout mm.Layout) uintptr {
	if !h.IsInit() {
		return 0
	}

	h.mutex.Acquire()
	ptr := h.arena.Malloc(layout.Size, layout.Align)
	h.mutex.Release()

	if ptr == 0 {
		oomHandler(ErrOutOfHeapMemory, layout)
	}
	return ptr
}

// AllocZeroed behaves like Alloc but zero-fills the returned block.
func (h *Heap) AllocZeroed(layout mm.Layout) uintptr {
	ptr := h.Alloc(layout)
	if ptr != 0 {
		h.mem.Memset(ptr, 0, layout.Size)
	}
	return ptr
}

// Dealloc returns a block to the heap. layout must match the layout passed
// to the call that allocated the block.
func (h *Heap) Dealloc(ptr uintptr, layout mm.Layout) {
	if ptr == 0 || !h.IsInit() {
		return
	}

	h.mutex.Acquire()
	h.arena.Free(ptr)
	h.mutex.Release()
}

// Realloc resizes the block at ptr to newSize bytes.
//
// Shrinking, or keeping the size unchanged, always returns ptr. Growing first
// tries to extend the block in place; otherwise a new block is allocated, the
// old contents are copied over and the old block is released. If no block
// can be found, 0 is returned and the original block stays valid.
func (h *Heap) Realloc(ptr uintptr, layout mm.Layout, newSize uintptr) uintptr {
	switch {
	case ptr == 0:
		return h.Alloc(layout.WithSize(newSize))
	case !h.IsInit():
		return 0
	case newSize == layout.Size:
		return ptr
	}

	h.mutex.Acquire()
	if newSize < layout.Size {
		h.arena.Shrink(ptr, newSize)
		h.mutex.Release()
		return ptr
	}

	if h.arena.GrowInPlace(ptr, newSize) {
		h.mutex.Release()
		return ptr
	}

	newPtr := h.arena.Malloc(newSize, layout.Align)
	if newPtr != 0 {
		h.mem.Memcopy(ptr, newPtr, layout.Size)
		h.arena.Free(ptr)
	}
	h.mutex.Release()

	if newPtr == 0 {
		oomHandler(ErrOutOfHeapMemory, layout.WithSize(newSize))
	}
	return newPtr
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	return h.arena.Stats()
}

// Validate checks the consistency of the heap metadata.
func (h *Heap) Validate() error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	return h.arena.Validate()
}

// VisitChunks walks every chunk of the heap while holding the heap lock. The
// visitor must not call back into the heap.
func (h *Heap) VisitChunks(visitor ChunkVisitor) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	h.arena.VisitChunks(visitor)
}

// DebugLogChunks logs the layout of the heap at debug level.
func (h *Heap) DebugLogChunks(log *slog.Logger) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	h.arena.DebugLogChunks(log)
}
