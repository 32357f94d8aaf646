package vmm

import (
	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/sync"
)

// AddressSpace wraps the active page table. Translations may run
// concurrently with each other; any change to the page table holds the lock
// exclusively.
type AddressSpace struct {
	mutex sync.RWSpinlock

	mem        mm.Memory
	mmu        MMU
	allocFn    mm.FrameAllocatorFn
	physOffset uintptr
	rootTable  uintptr
	levels     uint8
	init       bool
}

// Init attaches the address space to the page table that is currently
// active. Missing intermediate page tables are later backed by frames
// obtained from allocFn.
func (as *AddressSpace) Init(mem mm.Memory, mmu MMU, physOffset uintptr, mode bootinfo.PagingMode, allocFn mm.FrameAllocatorFn) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.init {
		return ErrAlreadyInitialized
	}

	as.mem = mem
	as.mmu = mmu
	as.allocFn = allocFn
	as.physOffset = physOffset
	as.levels = mode.Levels()
	as.rootTable = mmu.ActivePDT() & ptePhysPageMask
	as.init = true
	return nil
}

// PhysOffset returns the offset of the direct map of physical memory.
func (as *AddressSpace) PhysOffset() uintptr { return as.physOffset }

// Levels returns the number of page table levels.
func (as *AddressSpace) Levels() uint8 { return as.levels }

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge page mappings are supported.
//
// Translate and every Map method return ErrNotInitialized before Init.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.mutex.AcquireRead()
	defer as.mutex.ReleaseRead()

	if !as.init {
		return 0, ErrNotInitialized
	}
	return as.translate(virtAddr)
}

// TranslatePhysical returns the direct map alias of physAddr after checking
// that it is actually mapped.
func (as *AddressSpace) TranslatePhysical(physAddr uintptr) (uintptr, *kernel.Error) {
	virtAddr := as.physOffset + physAddr
	if _, err := as.Translate(virtAddr); err != nil {
		return 0, err
	}
	return virtAddr, nil
}

// Map maps the page that contains physAddr at its direct map alias and
// returns the alias of physAddr. FlagPresent is always added to flags.
func (as *AddressSpace) Map(physAddr uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if !as.init {
		return 0, ErrNotInitialized
	}

	virtAddr := as.physOffset + physAddr
	if err := as.mapPage(mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr), flags); err != nil {
		return 0, err
	}
	return virtAddr, nil
}

// MapIfAbsent behaves like Map but leaves existing mappings of the direct map
// alias untouched. Repeated calls never consume more than one set of frames.
func (as *AddressSpace) MapIfAbsent(physAddr uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if !as.init {
		return 0, ErrNotInitialized
	}
	return as.mapIfAbsent(physAddr, flags)
}

// MapRange invokes MapIfAbsent for each page of the region
// [physAddr, physAddr+size) and returns the direct map alias of physAddr.
func (as *AddressSpace) MapRange(physAddr, size uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if !as.init {
		return 0, ErrNotInitialized
	}

	end := mm.PageAlignUp(physAddr + size)
	for addr := mm.PageAlignDown(physAddr); addr < end; addr += mm.PageSize {
		if _, err := as.mapIfAbsent(addr, flags); err != nil {
			return 0, err
		}
	}
	return as.physOffset + physAddr, nil
}

// MapPage establishes a mapping between a caller-selected virtual page and a
// physical frame. FlagPresent is always added to flags.
func (as *AddressSpace) MapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if !as.init {
		return ErrNotInitialized
	}
	return as.mapPage(page, frame, flags)
}

func (as *AddressSpace) mapIfAbsent(physAddr uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	virtAddr := as.physOffset + physAddr
	if _, err := as.translate(virtAddr); err == nil {
		return virtAddr, nil
	}

	if err := as.mapPage(mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr), flags); err != nil {
		return 0, err
	}
	return virtAddr, nil
}

// translate implements Translate. The caller must hold the lock.
func (as *AddressSpace) translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	as.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// Huge pages can only appear at the 1G and 2M levels
		remaining := as.levels - 1 - pteLevel
		if pte.HasFlags(FlagHugePage) && (remaining == 1 || remaining == 2) {
			pageSize := uintptr(1) << as.pageLevelShift(pteLevel)
			physAddr = (pte.Frame().Address() &^ (pageSize - 1)) + (virtAddr & (pageSize - 1))
			err = nil
			return false
		}

		if remaining == 0 {
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			err = nil
		}
		return true
	})

	return physAddr, err
}

// mapPage installs a mapping for page, allocating and clearing missing page
// tables on the way. The caller must hold the lock.
func (as *AddressSpace) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	as.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == as.levels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			as.mmu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = ErrHugePage
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := as.allocFn()
			if allocErr != nil {
				err = ErrMappingFailed
				return false
			}

			as.mem.Memset(as.physOffset+newTableFrame.Address(), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
