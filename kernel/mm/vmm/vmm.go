// Package vmm manages the active virtual address space. All page tables are
// reached through the direct map of physical memory set up by the
// bootloader, so no recursive or temporary mappings are required.
package vmm

import (
	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/cpu"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrMappingFailed is returned when no frame could be obtained for a
	// missing intermediate page table.
	ErrMappingFailed = &kernel.Error{Module: "vmm", Message: "unable to allocate frame for page table"}

	// ErrAlreadyMapped is returned when trying to map a page that is
	// already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrHugePage is returned when a mapping would have to be installed
	// underneath a huge page entry.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "vmm", Message: "address space already initialized"}

	// ErrNotInitialized is returned by AddressSpace methods invoked before Init.
	ErrNotInitialized = &kernel.Error{Module: "vmm", Message: "address space not initialized"}
)

// MMU exposes the memory management unit operations needed by an
// AddressSpace.
type MMU interface {
	// ActivePDT returns the physical address of the active top-level
	// page table.
	ActivePDT() uintptr

	// FlushTLBEntry invalidates the cached translation for virtAddr.
	FlushTLBEntry(virtAddr uintptr)
}

// CPU implements MMU for the processor the kernel runs on.
type CPU struct{}

// ActivePDT implements MMU.
func (CPU) ActivePDT() uintptr { return activePDTFn() }

// FlushTLBEntry implements MMU.
func (CPU) FlushTLBEntry(virtAddr uintptr) { flushTLBEntryFn(virtAddr) }
