package heap

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/memsim"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/pmm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/vmm"
	"golang.org/x/exp/slog"
)

const heapStart = uintptr(0xffff880000000000)

type testKernel struct {
	m      *memsim.Machine
	frames *pmm.FreeListAllocator
	as     *vmm.AddressSpace
	heap   *Heap
}

// bootKernel sets up a simulated machine with ramSize bytes of available
// memory and maps a heap of heapSize bytes at heapStart.
func bootKernel(t *testing.T, ramSize, heapSize mm.Size) *testKernel {
	t.Helper()

	k := newTestKernel(t, ramSize)
	if err := k.heap.Init(k.m, heapStart, heapSize, k.frames.AllocFrame, k.as); err != nil {
		t.Fatal(err)
	}
	return k
}

func newTestKernel(t *testing.T, ramSize mm.Size) *testKernel {
	t.Helper()

	m, err := memsim.New(memsim.Config{
		Regions: []bootinfo.MemoryMapEntry{{PhysAddress: 0, Length: uint64(ramSize), Type: bootinfo.MemAvailable}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	k := &testKernel{m: m, frames: &pmm.FreeListAllocator{}, as: &vmm.AddressSpace{}, heap: &Heap{}}
	if err := k.frames.Init(m, m.PhysOffset(), m.BootInfo().VisitMemRegions); err != nil {
		t.Fatal(err)
	}
	if err := k.as.Init(m, m, m.PhysOffset(), bootinfo.PagingMode4Level, k.frames.AllocFrame); err != nil {
		t.Fatal(err)
	}
	return k
}

func layout(size, align uintptr) mm.Layout {
	return mm.Layout{Size: size, Align: align}
}

func TestHeapInit(t *testing.T) {
	k := bootKernel(t, 256*mm.Kb, 32*mm.Kb)

	if !k.heap.IsInit() {
		t.Fatal("expected heap to be initialized")
	}

	start, size := k.heap.Span()
	if start != heapStart || size != 32*mm.Kb {
		t.Fatalf("expected heap span [0x%x, +%d); got [0x%x, +%d)", heapStart, 32*mm.Kb, start, size)
	}

	// Every page of the heap span must be backed by a distinct frame.
	seen := make(map[uintptr]bool)
	for addr := start; addr < start+uintptr(size); addr += mm.PageSize {
		phys, err := k.as.Translate(addr)
		if err != nil {
			t.Fatalf("expected heap page 0x%x to be mapped; got %v", addr, err)
		}
		if seen[phys] {
			t.Fatalf("physical address 0x%x backs more than one heap page", phys)
		}
		seen[phys] = true
	}

	if _, err := k.as.Translate(start + uintptr(size)); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the page after the heap to be unmapped; got %v", err)
	}

	if stats := k.heap.Stats(); stats.Claimed != size {
		t.Fatalf("expected the whole span to be claimed; got %+v", stats)
	}
}

func TestHeapInitErrors(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)
		if err := k.heap.Init(k.m, heapStart, 16*mm.Kb, k.frames.AllocFrame, k.as); err != ErrAlreadyInitialized {
			t.Fatalf("expected error %v; got %v", ErrAlreadyInitialized, err)
		}
	})

	t.Run("unaligned span", func(t *testing.T) {
		k := newTestKernel(t, 256*mm.Kb)
		if err := k.heap.Init(k.m, heapStart+8, 16*mm.Kb, k.frames.AllocFrame, k.as); err != ErrUnalignedSpan {
			t.Fatalf("expected error %v; got %v", ErrUnalignedSpan, err)
		}
		if k.heap.IsInit() {
			t.Fatal("expected heap not to be initialized")
		}

		// the rejected span leaves the heap free to be initialized
		if err := k.heap.Init(k.m, heapStart, 16*mm.Kb, k.frames.AllocFrame, k.as); err != nil {
			t.Fatalf("expected Init with an aligned span to succeed; got %v", err)
		}
	})

	t.Run("out of frames", func(t *testing.T) {
		k := newTestKernel(t, 64*mm.Kb)
		if err := k.heap.Init(k.m, heapStart, 64*mm.Kb, k.frames.AllocFrame, k.as); err != pmm.ErrOutOfPhysicalFrames {
			t.Fatalf("expected error %v; got %v", pmm.ErrOutOfPhysicalFrames, err)
		}
		if k.heap.IsInit() {
			t.Fatal("expected heap not to be initialized")
		}
		if got := k.frames.FreeCount(); got != 0 {
			t.Fatalf("expected the frames taken by the failed Init to stay consumed; %d are free", got)
		}
		if err := k.heap.Init(k.m, heapStart, 4*mm.Kb, k.frames.AllocFrame, k.as); err != ErrAlreadyInitialized {
			t.Fatalf("expected a retry after a failed Init to return %v; got %v", ErrAlreadyInitialized, err)
		}
	})

	t.Run("mapping error", func(t *testing.T) {
		k := newTestKernel(t, 256*mm.Kb)
		expErr := &kernel.Error{Module: "test", Message: "map failed"}
		mapper := mapperFn(func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return expErr })

		if err := k.heap.Init(k.m, heapStart, 16*mm.Kb, k.frames.AllocFrame, mapper); err != expErr {
			t.Fatalf("expected error %v; got %v", expErr, err)
		}
		if err := k.heap.Init(k.m, heapStart, 16*mm.Kb, k.frames.AllocFrame, k.as); err != ErrAlreadyInitialized {
			t.Fatalf("expected a retry after a failed Init to return %v; got %v", ErrAlreadyInitialized, err)
		}
	})
}

type mapperFn func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error

func (fn mapperFn) MapPage(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return fn(page, frame, flags)
}

func TestHeapNotInitialized(t *testing.T) {
	var h Heap

	if got := h.Alloc(layout(16, 8)); got != 0 {
		t.Fatalf("expected Alloc on an uninitialized heap to return 0; got 0x%x", got)
	}
	if got := h.Realloc(0x1000, layout(16, 8), 32); got != 0 {
		t.Fatalf("expected Realloc on an uninitialized heap to return 0; got 0x%x", got)
	}
	h.Dealloc(0x1000, layout(16, 8))
}

func TestHeapAlloc(t *testing.T) {
	k := bootKernel(t, 256*mm.Kb, 32*mm.Kb)

	specs := []mm.Layout{
		layout(1, 1),
		layout(24, 8),
		layout(100, 16),
		layout(512, 64),
		layout(128, 4096),
	}

	ptrs := make([]uintptr, len(specs))
	for specIndex, spec := range specs {
		ptr := k.heap.Alloc(spec)
		if ptr == 0 {
			t.Fatalf("[spec %d] unable to allocate %+v", specIndex, spec)
		}
		if ptr%spec.Align != 0 {
			t.Errorf("[spec %d] expected block aligned to %d; got 0x%x", specIndex, spec.Align, ptr)
		}
		if ptr < heapStart || ptr+spec.Size > heapStart+uintptr(32*mm.Kb) {
			t.Errorf("[spec %d] expected block to lie within the heap; got 0x%x", specIndex, ptr)
		}
		k.m.Memset(ptr, 0xff, spec.Size)
		ptrs[specIndex] = ptr
	}

	if err := k.heap.Validate(); err != nil {
		t.Fatal(err)
	}

	for specIndex, spec := range specs {
		k.heap.Dealloc(ptrs[specIndex], spec)
	}
	k.heap.Dealloc(0, layout(8, 8))

	if stats := k.heap.Stats(); stats.InUse != 0 || stats.Allocations != 0 {
		t.Fatalf("expected all blocks to be released; got %+v", stats)
	}
}

func TestHeapAllocZeroed(t *testing.T) {
	k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)

	// Dirty a block and release it so that the next allocation reuses it.
	dirty := k.heap.Alloc(layout(256, 8))
	k.m.Memset(dirty, 0xaa, 256)
	k.heap.Dealloc(dirty, layout(256, 8))

	ptr := k.heap.AllocZeroed(layout(256, 8))
	if ptr != dirty {
		t.Fatalf("expected the released block 0x%x to be reused; got 0x%x", dirty, ptr)
	}
	if got := k.m.ReadBytes(ptr, 256); !bytes.Equal(got, make([]byte, 256)) {
		t.Fatal("expected block to be zero-filled")
	}
}

func TestHeapRealloc(t *testing.T) {
	k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)
	pattern := []byte("kernel heap realloc test pattern")
	l := layout(uintptr(len(pattern)), 8)

	t.Run("null pointer", func(t *testing.T) {
		ptr := k.heap.Realloc(0, l, 64)
		if ptr == 0 {
			t.Fatal("expected Realloc(0) to allocate a new block")
		}
		k.heap.Dealloc(ptr, l.WithSize(64))
	})

	t.Run("same size", func(t *testing.T) {
		ptr := k.heap.Alloc(l)
		if got := k.heap.Realloc(ptr, l, l.Size); got != ptr {
			t.Fatalf("expected Realloc to the same size to return 0x%x; got 0x%x", ptr, got)
		}
		k.heap.Dealloc(ptr, l)
	})

	t.Run("shrink", func(t *testing.T) {
		ptr := k.heap.Alloc(l.WithSize(1024))
		k.m.WriteBytes(ptr, pattern)

		if got := k.heap.Realloc(ptr, l.WithSize(1024), 16); got != ptr {
			t.Fatalf("expected shrinking to keep the block at 0x%x; got 0x%x", ptr, got)
		}
		if got := k.m.ReadBytes(ptr, 16); !bytes.Equal(got, pattern[:16]) {
			t.Fatalf("expected shrunk block to keep its prefix; got %q", got)
		}
		k.heap.Dealloc(ptr, l.WithSize(16))
	})

	t.Run("grow in place", func(t *testing.T) {
		ptr := k.heap.Alloc(l)
		k.m.WriteBytes(ptr, pattern)

		got := k.heap.Realloc(ptr, l, 2048)
		if got != ptr {
			t.Fatalf("expected block followed by free space to grow in place at 0x%x; got 0x%x", ptr, got)
		}
		if data := k.m.ReadBytes(got, l.Size); !bytes.Equal(data, pattern) {
			t.Fatalf("expected contents to be preserved; got %q", data)
		}
		k.heap.Dealloc(got, l.WithSize(2048))
	})

	t.Run("grow by moving", func(t *testing.T) {
		ptr := k.heap.Alloc(l)
		blocker := k.heap.Alloc(layout(8, 8))
		k.m.WriteBytes(ptr, pattern)

		got := k.heap.Realloc(ptr, l, 2048)
		if got == 0 || got == ptr {
			t.Fatalf("expected block to move; got 0x%x", got)
		}
		if data := k.m.ReadBytes(got, l.Size); !bytes.Equal(data, pattern) {
			t.Fatalf("expected contents to be copied; got %q", data)
		}

		k.heap.Dealloc(got, l.WithSize(2048))
		k.heap.Dealloc(blocker, layout(8, 8))
	})

	if err := k.heap.Validate(); err != nil {
		t.Fatal(err)
	}
	if stats := k.heap.Stats(); stats.Allocations != 0 {
		t.Fatalf("expected no live allocations; got %+v", stats)
	}
}

func TestHeapOutOfMemory(t *testing.T) {
	defer SetOOMHandler(nil)

	k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)

	var (
		oomCount  int
		oomLayout mm.Layout
	)
	SetOOMHandler(func(err *kernel.Error, l mm.Layout) {
		if err != ErrOutOfHeapMemory {
			t.Errorf("expected OOM handler to receive %v; got %v", ErrOutOfHeapMemory, err)
		}
		oomCount++
		oomLayout = l
	})

	if got := k.heap.Alloc(layout(uintptr(32*mm.Kb), 8)); got != 0 {
		t.Fatalf("expected oversized allocation to fail; got 0x%x", got)
	}
	if oomCount != 1 || oomLayout != layout(uintptr(32*mm.Kb), 8) {
		t.Fatalf("expected OOM handler to be invoked once with the failed layout; got %d calls, %+v", oomCount, oomLayout)
	}

	// A failed realloc leaves the original block intact.
	ptr := k.heap.Alloc(layout(64, 8))
	k.m.Memset(ptr, 0x5a, 64)
	if got := k.heap.Realloc(ptr, layout(64, 8), uintptr(64*mm.Kb)); got != 0 {
		t.Fatalf("expected oversized realloc to fail; got 0x%x", got)
	}
	if oomCount != 2 || oomLayout != layout(uintptr(64*mm.Kb), 8) {
		t.Fatalf("expected OOM handler to be invoked for the realloc; got %d calls, %+v", oomCount, oomLayout)
	}
	if got := k.m.ReadBytes(ptr, 64); !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, 64)) {
		t.Fatal("expected original block to survive a failed realloc")
	}

	// Exhaust the heap and make sure it still works afterwards.
	var blocks []uintptr
	for {
		p := k.heap.Alloc(layout(1000, 8))
		if p == 0 {
			break
		}
		blocks = append(blocks, p)
	}
	if len(blocks) == 0 || oomCount != 3 {
		t.Fatalf("expected heap to run out after some allocations; got %d blocks, %d OOM calls", len(blocks), oomCount)
	}

	for _, p := range blocks {
		k.heap.Dealloc(p, layout(1000, 8))
	}
	if got := k.heap.Alloc(layout(1000, 8)); got == 0 {
		t.Fatal("expected heap to recover once blocks are released")
	}
	if err := k.heap.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultOOMHandler(t *testing.T) {
	defer func(origLevel kfmt.Level) {
		kfmt.DetachSinks()
		kfmt.SetLogLevel(origLevel)
	}(kfmt.LogLevel())

	var buf bytes.Buffer
	kfmt.DetachSinks()
	kfmt.AttachSink(&buf)
	kfmt.SetLogLevel(kfmt.LevelInfo)
	buf.Reset()

	k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)
	k.heap.Alloc(layout(1<<20, 16))

	exp := "[error] [heap] out of memory: unable to allocate 1048576 bytes (align 16)\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected OOM to be logged as %q; got %q", exp, got)
	}
}

func TestHeapConcurrentAlloc(t *testing.T) {
	k := bootKernel(t, 512*mm.Kb, 128*mm.Kb)

	const (
		workers = 8
		rounds  = 200
	)

	var wg sync.WaitGroup
	errCh := make(chan string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()

			l := layout(uintptr(16+int(id)*8), 8)
			for i := 0; i < rounds; i++ {
				ptr := k.heap.Alloc(l)
				if ptr == 0 {
					errCh <- "allocation failed"
					return
				}
				k.m.Memset(ptr, id, l.Size)
				if got := k.m.ReadBytes(ptr, l.Size); !bytes.Equal(got, bytes.Repeat([]byte{id}, int(l.Size))) {
					errCh <- "block shared between workers"
					return
				}
				k.heap.Dealloc(ptr, l)
			}
		}(byte(w + 1))
	}
	wg.Wait()
	close(errCh)

	for msg := range errCh {
		t.Error(msg)
	}
	if err := k.heap.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestHeapDebugLogChunks(t *testing.T) {
	k := bootKernel(t, 256*mm.Kb, 16*mm.Kb)
	k.heap.Alloc(layout(64, 8))

	var buf bytes.Buffer
	k.heap.DebugLogChunks(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if out := buf.String(); !strings.Contains(out, `msg="heap span"`) || strings.Count(out, `msg="heap chunk"`) != 2 {
		t.Fatalf("unexpected chunk log:\n%s", out)
	}
}
