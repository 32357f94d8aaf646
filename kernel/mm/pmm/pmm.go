// Package pmm tracks the free physical frames of the system.
//
// Free frames are kept in an intrusive singly linked list: the first word of
// every free frame, accessed through the direct map of physical memory,
// stores the physical address of the next free frame. Tracking therefore
// needs no memory beyond the frames themselves.
package pmm

import (
	"io"

	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/sync"
)

// endOfList terminates the free list. Physical address 0 is a valid frame so
// it cannot double as the terminator.
const endOfList = ^uint64(0)

var (
	// ErrOutOfPhysicalFrames is returned by AllocFrame when no free frames
	// remain.
	ErrOutOfPhysicalFrames = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator already initialized"}
)

// RegionVisitorFn enumerates the physical memory regions reported by the
// bootloader. bootinfo.Info.VisitMemRegions satisfies it.
type RegionVisitorFn func(bootinfo.MemRegionVisitor)

// FreeListAllocator hands out physical frames from an intrusive free list.
// Frames are never returned to it: every frame it hands out ends up owned by
// a page table or the heap for the lifetime of the system.
type FreeListAllocator struct {
	mutex sync.Spinlock

	mem        mm.Memory
	physOffset uintptr
	init       bool

	head      uint64
	freeCount uint64
}

// Init populates the free list with every frame that lies entirely within a
// region tagged as available. The start of each region is rounded up to a
// frame boundary and any trailing bytes that do not fill a whole frame are
// ignored.
func (alloc *FreeListAllocator) Init(mem mm.Memory, physOffset uintptr, visitRegions RegionVisitorFn) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.init {
		return ErrAlreadyInitialized
	}

	alloc.mem = mem
	alloc.physOffset = physOffset
	alloc.head = endOfList
	alloc.freeCount = 0

	visitRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable {
			return true
		}

		start := uint64(mm.PageAlignUp(uintptr(region.PhysAddress)))
		end := region.PhysAddress + region.Length
		for ; start+uint64(mm.PageSize) <= end && start >= region.PhysAddress; start += uint64(mm.PageSize) {
			alloc.push(mm.FrameFromAddress(uintptr(start)))
		}
		return true
	})

	alloc.init = true
	return nil
}

// AllocFrame removes a frame from the free list. It returns
// ErrOutOfPhysicalFrames if the list is empty or Init has not been called.
func (alloc *FreeListAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.init || alloc.head == endOfList {
		return mm.InvalidFrame, ErrOutOfPhysicalFrames
	}

	frame := mm.FrameFromAddress(uintptr(alloc.head))
	alloc.head = alloc.readLink(frame)
	alloc.freeCount--
	return frame, nil
}

// FreeCount returns the number of frames currently in the free list.
func (alloc *FreeListAllocator) FreeCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.freeCount
}

// VisitFreeFrames invokes visitor for each frame in the free list, starting at
// the head. Returning false stops the walk. The visitor runs with the
// allocator lock held and must not allocate frames.
func (alloc *FreeListAllocator) VisitFreeFrames(visitor func(mm.Frame) bool) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.init {
		return
	}

	for next := alloc.head; next != endOfList; {
		frame := mm.FrameFromAddress(uintptr(next))
		if !visitor(frame) {
			return
		}
		next = alloc.readLink(frame)
	}
}

// push prepends frame to the free list. The caller must hold the lock.
func (alloc *FreeListAllocator) push(frame mm.Frame) {
	alloc.writeLink(frame, alloc.head)
	alloc.head = uint64(frame.Address())
	alloc.freeCount++
}

// readLink returns the link stored in a free frame.
func (alloc *FreeListAllocator) readLink(frame mm.Frame) uint64 {
	return alloc.mem.ReadUint64(alloc.physOffset + frame.Address())
}

// writeLink stores next as the link of a free frame.
func (alloc *FreeListAllocator) writeLink(frame mm.Frame, next uint64) {
	alloc.mem.WriteUint64(alloc.physOffset+frame.Address(), next)
}

// PrintMemoryMap writes the memory map reported by the bootloader and the
// total amount of available memory to w.
func PrintMemoryMap(w io.Writer, visitRegions RegionVisitorFn) {
	kfmt.Fprintf(w, "system memory map:\n")
	var totalFree mm.Size
	visitRegions(func(region *bootinfo.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == bootinfo.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", totalFree/mm.Kb)
}
