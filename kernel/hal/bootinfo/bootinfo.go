// Package bootinfo describes the information handed to the kernel by the
// bootloader: the physical memory map, the offset of the direct map of
// physical memory, the paging mode and the kernel command line.
package bootinfo

import "strings"

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBadMemory indicates a region that contains defective RAM.
	MemBadMemory

	// MemBootloaderReclaimable indicates memory used by the bootloader
	// (e.g. the page tables it built) that can be reclaimed once the kernel
	// no longer depends on it.
	MemBootloaderReclaimable

	// MemKernelAndModules indicates memory occupied by the kernel image and
	// its modules.
	MemKernelAndModules

	// MemFramebuffer indicates memory backing the framebuffer.
	MemFramebuffer

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemBadMemory:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel and modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// PagingMode is the paging mode the bootloader left the MMU in.
type PagingMode uint8

const (
	// PagingMode4Level uses 4 levels of page tables (48-bit addresses).
	PagingMode4Level PagingMode = iota

	// PagingMode5Level uses 5 levels of page tables (57-bit addresses).
	PagingMode5Level
)

// Levels returns the number of page table levels for this mode.
func (m PagingMode) Levels() uint8 {
	if m == PagingMode5Level {
		return 5
	}
	return 4
}

// Info bundles the boot information consumed by the memory subsystem.
type Info struct {
	// MemoryMap lists the physical memory regions in ascending address
	// order.
	MemoryMap []MemoryMapEntry

	// HHDMOffset is the virtual address at which the bootloader mapped
	// physical address 0 (the higher-half direct map).
	HHDMOffset uint64

	// PagingMode reports the active paging mode.
	PagingMode PagingMode

	// RawCmdLine is the kernel command line as passed by the bootloader.
	RawCmdLine string

	cmdLineKV map[string]string
}

// VisitMemRegions invokes visitor for each memory region in the memory map.
// Entries with an unknown type are reported as MemReserved.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	var entry MemoryMapEntry
	for index := range i.MemoryMap {
		entry = i.MemoryMap[index]

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// CmdLine returns the key-value pairs of the kernel command line. Flags
// without a value (e.g. "nosmp") map to themselves. The parsed result is
// cached, so CmdLine must only be called once the heap is available.
func (i *Info) CmdLine() map[string]string {
	if i.cmdLineKV != nil {
		return i.cmdLineKV
	}

	i.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(i.RawCmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			i.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			i.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return i.cmdLineKV
}

// CmdLineValue looks up key in the kernel command line without allocating.
// It can be used before the heap is available.
func (i *Info) CmdLineValue(key string) (string, bool) {
	line := i.RawCmdLine
	for start := 0; start < len(line); {
		for start < len(line) && line[start] == ' ' {
			start++
		}
		end := start
		for end < len(line) && line[end] != ' ' {
			end++
		}

		field := line[start:end]
		switch {
		case field == key:
			return field, true
		case len(field) > len(key) && field[:len(key)] == key && field[len(key)] == '=':
			return field[len(key)+1:], true
		}
		start = end
	}
	return "", false
}
