// Package memsim simulates the parts of an amd64 machine that the memory
// subsystem interacts with: physical RAM, a bootloader that builds the
// direct map of physical memory with 2M pages, and an MMU with a TLB that
// only forgets translations when told to.
//
// A Machine implements mm.Memory (all addresses are virtual and get
// translated through the simulated page tables) and the vmm.MMU interface.
// Invalid accesses panic with a *Fault.
package memsim

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/cockroachdb/errors"
)

const (
	// DefaultPhysOffset is the virtual address where the simulated
	// bootloader maps physical address 0.
	DefaultPhysOffset = uintptr(0xffff_8000_0000_0000)

	// DefaultBootloaderReserve is the size of the region the simulated
	// bootloader keeps for its own page tables.
	DefaultBootloaderReserve = 64 * mm.Kb

	ptePresent  = uint64(1 << 0)
	pteRW       = uint64(1 << 1)
	pteHuge     = uint64(1 << 7)
	pteAddrMask = uint64(0x000ffffffffff000)

	hugePageSize = uintptr(2 << 20)
	entriesShift = 9
	entryMask    = uintptr(1<<entriesShift - 1)
)

// Config describes the simulated machine.
type Config struct {
	// Regions is the physical memory map reported to the kernel. The RAM
	// of the machine spans [0, max(end of any region)).
	Regions []bootinfo.MemoryMapEntry

	// PhysOffset is the direct map offset. Defaults to DefaultPhysOffset.
	PhysOffset uintptr

	// PagingMode selects 4- or 5-level paging.
	PagingMode bootinfo.PagingMode

	// BootloaderReserve is the amount of RAM appended after the regions
	// and reported as bootloader-reclaimable. The simulated bootloader
	// allocates its page tables from it. Defaults to
	// DefaultBootloaderReserve.
	BootloaderReserve mm.Size

	// CmdLine is passed to the kernel as its command line.
	CmdLine string
}

// Fault describes an invalid memory access.
type Fault struct {
	Addr   uintptr
	Write  bool
	Reason string
}

// Error implements error.
func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}
	return fmt.Sprintf("memsim: %s fault at 0x%x: %s", op, f.Addr, f.Reason)
}

type tlbEntry struct {
	frame    uintptr
	writable bool
}

// Machine is a simulated machine.
type Machine struct {
	cfg     Config
	ram     []byte
	release func() error
	levels  uint8

	rootTable uintptr

	// bootloader frame allocator state
	nextBootFrame, bootEnd uintptr

	mu         sync.Mutex
	tlb        map[uintptr]tlbEntry
	flushCount int
}

// New builds a machine and runs the simulated bootloader: the direct map of
// all RAM is established with 2M pages at cfg.PhysOffset.
func New(cfg Config) (*Machine, error) {
	if len(cfg.Regions) == 0 {
		return nil, errors.New("memsim: at least one memory region is required")
	}
	if cfg.PhysOffset == 0 {
		cfg.PhysOffset = DefaultPhysOffset
	}
	if cfg.PhysOffset%hugePageSize != 0 {
		return nil, errors.Newf("memsim: direct map offset 0x%x is not 2M aligned", cfg.PhysOffset)
	}
	if cfg.BootloaderReserve == 0 {
		cfg.BootloaderReserve = DefaultBootloaderReserve
	}

	regions := append([]bootinfo.MemoryMapEntry(nil), cfg.Regions...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].PhysAddress < regions[j].PhysAddress })

	var ramEnd uintptr
	for i, r := range regions {
		if i > 0 && r.PhysAddress < regions[i-1].PhysAddress+regions[i-1].Length {
			return nil, errors.Newf("memsim: region at 0x%x overlaps the previous region", r.PhysAddress)
		}
		if end := uintptr(r.PhysAddress + r.Length); end > ramEnd {
			ramEnd = end
		}
	}

	bootStart := mm.PageAlignUp(ramEnd)
	bootEnd := bootStart + uintptr(mm.PageAlignUp(uintptr(cfg.BootloaderReserve)))
	regions = append(regions, bootinfo.MemoryMapEntry{
		PhysAddress: uint64(bootStart),
		Length:      uint64(bootEnd - bootStart),
		Type:        bootinfo.MemBootloaderReclaimable,
	})
	cfg.Regions = regions

	ram, release, err := allocRAM(bootEnd)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:           cfg,
		ram:           ram,
		release:       release,
		levels:        cfg.PagingMode.Levels(),
		nextBootFrame: bootStart,
		bootEnd:       bootEnd,
		tlb:           make(map[uintptr]tlbEntry),
	}

	if m.rootTable, err = m.bootAllocFrame(); err != nil {
		m.Close()
		return nil, err
	}

	for phys := uintptr(0); phys < bootEnd; phys += hugePageSize {
		table, err := m.tableFor(cfg.PhysOffset+phys, m.levels-2)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.writePhys(table+m.index(cfg.PhysOffset+phys, m.levels-2)<<3, uint64(phys)|ptePresent|pteRW|pteHuge)
	}

	return m, nil
}

// Close releases the simulated RAM.
func (m *Machine) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release, m.ram = nil, nil
	return release()
}

// BootInfo returns the boot information the simulated bootloader hands to
// the kernel.
func (m *Machine) BootInfo() *bootinfo.Info {
	return &bootinfo.Info{
		MemoryMap:  append([]bootinfo.MemoryMapEntry(nil), m.cfg.Regions...),
		HHDMOffset: uint64(m.cfg.PhysOffset),
		PagingMode: m.cfg.PagingMode,
		RawCmdLine: m.cfg.CmdLine,
	}
}

// PhysOffset returns the direct map offset.
func (m *Machine) PhysOffset() uintptr { return m.cfg.PhysOffset }

// RAMSize returns the amount of simulated physical memory.
func (m *Machine) RAMSize() uintptr { return uintptr(len(m.ram)) }

// ActivePDT returns the physical address of the top-level page table.
func (m *Machine) ActivePDT() uintptr { return m.rootTable }

// FlushTLBEntry drops the cached translation for the page containing virt.
func (m *Machine) FlushTLBEntry(virt uintptr) {
	m.mu.Lock()
	delete(m.tlb, mm.PageAlignDown(virt))
	m.flushCount++
	m.mu.Unlock()
}

// FlushCount returns the number of FlushTLBEntry calls.
func (m *Machine) FlushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushCount
}

// PrebuildTables makes the simulated bootloader create every intermediate
// page table needed to map [virt, virt+size) with 4K pages, without
// installing any leaf entries.
func (m *Machine) PrebuildTables(virt, size uintptr) error {
	for page := mm.PageAlignDown(virt); page < virt+size; page += mm.PageSize {
		if _, err := m.tableFor(page, m.levels-1); err != nil {
			return err
		}
	}
	return nil
}

// BootFramesLeft returns the number of unused frames in the bootloader
// reserve.
func (m *Machine) BootFramesLeft() int {
	return int((m.bootEnd - m.nextBootFrame) >> mm.PageShift)
}

// bootAllocFrame hands out a zeroed frame from the bootloader reserve.
func (m *Machine) bootAllocFrame() (uintptr, error) {
	if m.nextBootFrame >= m.bootEnd {
		return 0, errors.New("memsim: bootloader reserve exhausted")
	}
	frame := m.nextBootFrame
	m.nextBootFrame += mm.PageSize
	for i := range m.ram[frame : frame+mm.PageSize] {
		m.ram[frame+uintptr(i)] = 0
	}
	return frame, nil
}

// index returns the table index of virt at the given level (0 is the top).
func (m *Machine) index(virt uintptr, level uint8) uintptr {
	shift := mm.PageShift + uintptr(m.levels-1-level)*entriesShift
	return (virt >> shift) & entryMask
}

// tableFor returns the physical address of the table at depth level that
// covers virt, creating missing tables on the way.
func (m *Machine) tableFor(virt uintptr, level uint8) (uintptr, error) {
	table := m.rootTable
	for l := uint8(0); l < level; l++ {
		entryAddr := table + m.index(virt, l)<<3
		entry := m.readPhys(entryAddr)
		switch {
		case entry&pteHuge != 0:
			return 0, errors.Newf("memsim: 0x%x is covered by a huge page", virt)
		case entry&ptePresent == 0:
			next, err := m.bootAllocFrame()
			if err != nil {
				return 0, err
			}
			m.writePhys(entryAddr, uint64(next)|ptePresent|pteRW)
			table = next
		default:
			table = uintptr(entry & pteAddrMask)
		}
	}
	return table, nil
}

func (m *Machine) readPhys(phys uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.ram[phys : phys+8])
}

func (m *Machine) writePhys(phys uintptr, val uint64) {
	binary.LittleEndian.PutUint64(m.ram[phys:phys+8], val)
}

// walk translates virt by walking the page tables. It does not consult or
// update the TLB.
func (m *Machine) walk(virt uintptr) (phys uintptr, writable bool, ok bool) {
	table, writable := m.rootTable, true
	for level := uint8(0); level < m.levels; level++ {
		entry := m.readPhys(table + m.index(virt, level)<<3)
		if entry&ptePresent == 0 {
			return 0, false, false
		}
		writable = writable && entry&pteRW != 0

		remaining := m.levels - 1 - level
		if entry&pteHuge != 0 && (remaining == 1 || remaining == 2) {
			pageSize := uintptr(1) << (mm.PageShift + uintptr(remaining)*entriesShift)
			base := uintptr(entry&pteAddrMask) &^ (pageSize - 1)
			return base + virt&(pageSize-1), writable, true
		}

		table = uintptr(entry & pteAddrMask)
	}
	return table + virt&(mm.PageSize-1), writable, true
}

// Translate returns the physical address that virt maps to as seen by the
// simulated page tables.
func (m *Machine) Translate(virt uintptr) (uintptr, bool) {
	phys, _, ok := m.walk(virt)
	return phys, ok
}

// resolve translates virt through the TLB and checks the access.
func (m *Machine) resolve(virt uintptr, write bool) uintptr {
	page := mm.PageAlignDown(virt)

	m.mu.Lock()
	entry, cached := m.tlb[page]
	if !cached {
		phys, writable, ok := m.walk(page)
		if !ok {
			m.mu.Unlock()
			panic(&Fault{Addr: virt, Write: write, Reason: "page not present"})
		}
		entry = tlbEntry{frame: phys, writable: writable}
		m.tlb[page] = entry
	}
	m.mu.Unlock()

	if write && !entry.writable {
		panic(&Fault{Addr: virt, Write: write, Reason: "page is read-only"})
	}

	phys := entry.frame + virt&(mm.PageSize-1)
	if phys >= uintptr(len(m.ram)) {
		panic(&Fault{Addr: virt, Write: write, Reason: "no RAM backs the physical address"})
	}
	return phys
}

// access invokes fn for each page-sized chunk of [virt, virt+size).
func (m *Machine) access(virt, size uintptr, write bool, fn func(chunk []byte, done uintptr)) {
	for done := uintptr(0); done < size; {
		cur := virt + done
		n := mm.PageSize - cur&(mm.PageSize-1)
		if n > size-done {
			n = size - done
		}

		phys := m.resolve(cur, write)
		if phys+n > uintptr(len(m.ram)) {
			panic(&Fault{Addr: cur, Write: write, Reason: "no RAM backs the physical address"})
		}
		fn(m.ram[phys:phys+n], done)
		done += n
	}
}

// ReadBytes returns a copy of size bytes starting at virt.
func (m *Machine) ReadBytes(virt, size uintptr) []byte {
	out := make([]byte, size)
	m.access(virt, size, false, func(chunk []byte, done uintptr) {
		copy(out[done:], chunk)
	})
	return out
}

// WriteBytes stores data at virt.
func (m *Machine) WriteBytes(virt uintptr, data []byte) {
	m.access(virt, uintptr(len(data)), true, func(chunk []byte, done uintptr) {
		copy(chunk, data[done:])
	})
}

// ReadUint64 implements mm.Memory.
func (m *Machine) ReadUint64(addr uintptr) uint64 {
	var buf [8]byte
	m.access(addr, 8, false, func(chunk []byte, done uintptr) {
		copy(buf[done:], chunk)
	})
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 implements mm.Memory.
func (m *Machine) WriteUint64(addr uintptr, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	m.WriteBytes(addr, buf[:])
}

// Memset implements mm.Memory.
func (m *Machine) Memset(addr uintptr, value byte, size uintptr) {
	m.access(addr, size, true, func(chunk []byte, _ uintptr) {
		for i := range chunk {
			chunk[i] = value
		}
	})
}

// Memcopy implements mm.Memory.
func (m *Machine) Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}
	m.WriteBytes(dst, m.ReadBytes(src, size))
}
