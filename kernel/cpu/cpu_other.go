//go:build !amd64

package cpu

// Halt stops instruction execution. On architectures without a port it
// spins forever.
func Halt() {
	for {
	}
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {}

// ActivePDT returns the physical address of the currently active top-level
// page table.
func ActivePDT() uintptr { return 0 }

// PagingLevels returns the number of page table levels used by the MMU.
func PagingLevels() uint8 { return 4 }
