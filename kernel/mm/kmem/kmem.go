// Package kmem wires the frame allocator, the address space and the heap into
// the amd64 implementation of mm.Allocator.
package kmem

import (
	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/heap"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/pmm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/vmm"
	"github.com/DraftedDev/Subatomic-OS/kernel/sync"
)

const (
	// DefaultHeapStart is the virtual address of the first heap page. It
	// lies 8T above the start of the default direct map.
	DefaultHeapStart = uintptr(0xffff_8800_0000_0000)

	// DefaultHeapSize is the size of the heap span mapped at boot.
	DefaultHeapSize = 16 * mm.Mb
)

var (
	// ErrInvalidState is returned when an initialization step is invoked
	// out of order or more than once.
	ErrInvalidState = &kernel.Error{Module: "kmem", Message: "initialization step invoked out of order"}

	// ErrHeapOverlapsDirectMap is returned by InitHeap if the configured heap
	// span intersects the direct map of physical memory.
	ErrHeapOverlapsDirectMap = &kernel.Error{Module: "kmem", Message: "heap span overlaps the direct map"}

	// memMapWriter prefixes the memory map printout. It is a package
	// variable so that it can be used before the heap is available.
	memMapWriter = kfmt.PrefixWriter{Prefix: []byte("[pmm] "), Level: kfmt.LevelInfo}
)

// State tracks the progress of the memory subsystem initialization.
type State uint8

// The initialization states in the order they are reached.
const (
	StateUninitialized State = iota
	StateFramesReady
	StateAddressSpaceReady
	StateHeapReady
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateFramesReady:
		return "frames ready"
	case StateAddressSpaceReady:
		return "address space ready"
	case StateHeapReady:
		return "heap ready"
	default:
		return "unknown"
	}
}

// Config controls the placement of the heap.
type Config struct {
	// HeapStart is the page-aligned virtual address of the heap span.
	HeapStart uintptr

	// HeapSize is the size of the heap span. It is rounded up to a whole
	// number of pages.
	HeapSize mm.Size
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{HeapStart: DefaultHeapStart, HeapSize: DefaultHeapSize}
}

// Context owns the state of the memory subsystem and implements mm.Allocator.
type Context struct {
	mutex sync.Spinlock
	state State

	info *bootinfo.Info
	mem  mm.Memory
	mmu  vmm.MMU
	cfg  Config

	frames    pmm.FreeListAllocator
	addrSpace vmm.AddressSpace
	heap      heap.Heap
}

// New returns an uninitialized Context. mem provides access to physical memory
// through the direct map described by info and mmu exposes the paging
// hardware.
func New(info *bootinfo.Info, mem mm.Memory, mmu vmm.MMU, cfg Config) *Context {
	return &Context{info: info, mem: mem, mmu: mmu, cfg: cfg}
}

// Init runs InitFrames, InitAddressSpace and InitHeap in that order and logs
// the progress of each step.
func (ctx *Context) Init() *kernel.Error {
	kfmt.Logf(kfmt.LevelInfo, "initializing page frame allocator...")
	if err := ctx.InitFrames(); err != nil {
		return err
	}

	memMapWriter.Sink = kfmt.Output()
	pmm.PrintMemoryMap(&memMapWriter, ctx.info.VisitMemRegions)
	kfmt.Logf(kfmt.LevelInfo, "%d free frames", ctx.frames.FreeCount())

	kfmt.Logf(kfmt.LevelInfo, "initializing address space (%d-level paging)...", ctx.info.PagingMode.Levels())
	if err := ctx.InitAddressSpace(); err != nil {
		return err
	}

	kfmt.Logf(kfmt.LevelInfo, "initializing heap...")
	if err := ctx.InitHeap(); err != nil {
		return err
	}

	start, size := ctx.heap.Span()
	kfmt.Logf(kfmt.LevelInfo, "heap ready at 0x%16x (%dKb)", start, size/mm.Kb)
	return nil
}

// InitFrames populates the frame allocator from the boot memory map.
func (ctx *Context) InitFrames() *kernel.Error {
	return ctx.step(StateUninitialized, StateFramesReady, func() *kernel.Error {
		return ctx.frames.Init(ctx.mem, uintptr(ctx.info.HHDMOffset), ctx.info.VisitMemRegions)
	})
}

// InitAddressSpace attaches the address space to the page tables set up by
// the bootloader.
func (ctx *Context) InitAddressSpace() *kernel.Error {
	return ctx.step(StateFramesReady, StateAddressSpaceReady, func() *kernel.Error {
		return ctx.addrSpace.Init(ctx.mem, ctx.mmu, uintptr(ctx.info.HHDMOffset), ctx.info.PagingMode, ctx.frames.AllocFrame)
	})
}

// InitHeap maps and claims the heap span.
func (ctx *Context) InitHeap() *kernel.Error {
	return ctx.step(StateAddressSpaceReady, StateHeapReady, func() *kernel.Error {
		if ctx.overlapsDirectMap(ctx.cfg.HeapStart, ctx.cfg.HeapSize) {
			return ErrHeapOverlapsDirectMap
		}
		return ctx.heap.Init(ctx.mem, ctx.cfg.HeapStart, ctx.cfg.HeapSize, ctx.frames.AllocFrame, &ctx.addrSpace)
	})
}

// step runs fn if the context is in state from and advances it to state to
// if fn succeeds.
func (ctx *Context) step(from, to State, fn func() *kernel.Error) *kernel.Error {
	ctx.mutex.Acquire()
	defer ctx.mutex.Release()

	if ctx.state != from {
		return ErrInvalidState
	}

	if err := fn(); err != nil {
		return err
	}

	ctx.state = to
	return nil
}

// overlapsDirectMap returns true if [start, start+size) intersects the
// direct map window that covers every region of the memory map.
func (ctx *Context) overlapsDirectMap(start uintptr, size mm.Size) bool {
	var physEnd uint64
	ctx.info.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > physEnd {
			physEnd = end
		}
		return true
	})

	windowStart := uintptr(ctx.info.HHDMOffset)
	windowEnd := windowStart + uintptr(physEnd)
	return start < windowEnd && start+uintptr(size) > windowStart
}

// State returns the initialization state.
func (ctx *Context) State() State {
	ctx.mutex.Acquire()
	defer ctx.mutex.Release()

	return ctx.state
}

// Config returns the configuration of the context.
func (ctx *Context) Config() Config { return ctx.cfg }

// Frames returns the frame allocator.
func (ctx *Context) Frames() *pmm.FreeListAllocator { return &ctx.frames }

// AddressSpace returns the kernel address space.
func (ctx *Context) AddressSpace() *vmm.AddressSpace { return &ctx.addrSpace }

// Heap returns the kernel heap.
func (ctx *Context) Heap() *heap.Heap { return &ctx.heap }

// IsInit implements mm.Allocator.
func (ctx *Context) IsInit() bool { return ctx.heap.IsInit() }

// Alloc implements mm.Allocator.
func (ctx *Context) Alloc(layout mm.Layout) uintptr { return ctx.heap.Alloc(layout) }

// AllocZeroed implements mm.Allocator.
func (ctx *Context) AllocZeroed(layout mm.Layout) uintptr { return ctx.heap.AllocZeroed(layout) }

// Dealloc implements mm.Allocator.
func (ctx *Context) Dealloc(ptr uintptr, layout mm.Layout) { ctx.heap.Dealloc(ptr, layout) }

// Realloc implements mm.Allocator.
func (ctx *Context) Realloc(ptr uintptr, layout mm.Layout, newSize uintptr) uintptr {
	return ctx.heap.Realloc(ptr, layout, newSize)
}
