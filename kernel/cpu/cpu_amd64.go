package cpu

var (
	// readCR4Fn is mocked by tests and is automatically inlined by the compiler.
	readCR4Fn = readCR4
)

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active top-level
// page table.
func ActivePDT() uintptr

// PagingLevels returns 5 if the CPU runs with 5-level paging (CR4.LA57)
// enabled and 4 otherwise.
func PagingLevels() uint8 {
	if readCR4Fn()&cr4LA57 != 0 {
		return 5
	}
	return 4
}

const cr4LA57 = 1 << 12

func readCR4() uint64
