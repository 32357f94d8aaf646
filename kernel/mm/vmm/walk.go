package vmm

import "github.com/DraftedDev/Subatomic-OS/kernel/mm"

const (
	// maxPageLevels is the number of page levels with 5-level paging.
	maxPageLevels = 5

	// pageLevelBits is the number of virtual address bits that index a
	// page table. Each table holds 512 entries.
	pageLevelBits = 9
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. Changes to the entry are written back to the page table once the
// function returns. If the function returns false, then the page walk is
// aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// pageLevelShift returns the shift required to extract the table index for
// the given level from a virtual address. Level 0 is the top-most table.
func (as *AddressSpace) pageLevelShift(level uint8) uintptr {
	return mm.PageShift + uintptr(as.levels-1-level)*pageLevelBits
}

// walk performs a page table walk for the given virtual address. Tables are
// accessed through the direct map of physical memory. It calls the supplied
// walkFn with the page table entry that corresponds to each page table level.
// The walk stops after the last level, when walkFn returns false or when
// walkFn leaves a huge page entry behind.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		tableAddr = as.rootTable
		entryAddr uintptr
		entry     pageTableEntry
		orig      pageTableEntry
		ok        bool
	)

	for level := uint8(0); level < as.levels; level++ {
		entryIndex := (virtAddr >> as.pageLevelShift(level)) & ((1 << pageLevelBits) - 1)
		entryAddr = as.physOffset + tableAddr + (entryIndex << mm.PointerShift)

		entry = pageTableEntry(as.mem.ReadUint64(entryAddr))
		orig = entry
		ok = walkFn(level, &entry)
		if entry != orig {
			as.mem.WriteUint64(entryAddr, uint64(entry))
		}

		if !ok || entry.HasFlags(FlagHugePage) {
			return
		}

		tableAddr = entry.Frame().Address()
	}
}
