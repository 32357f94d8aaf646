package heap

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/memsim"
	"golang.org/x/exp/slog"
)

// newTestArena returns an arena that manages size bytes of the direct map
// of a simulated machine. Another size bytes after the arena are left
// unclaimed.
func newTestArena(t *testing.T, size uintptr) (*Arena, *memsim.Machine, uintptr) {
	t.Helper()

	m, err := memsim.New(memsim.Config{
		Regions: []bootinfo.MemoryMapEntry{{PhysAddress: 0, Length: uint64(2*size + mm.PageSize), Type: bootinfo.MemAvailable}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	start := m.PhysOffset() + mm.PageSize
	arena := NewArena(m)
	if err := arena.Claim(start, size); err != nil {
		t.Fatal(err)
	}
	return arena, m, start
}

func mustValidate(t *testing.T, a *Arena) {
	t.Helper()
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestChunkSizeFor(t *testing.T) {
	specs := []struct {
		size, exp uintptr
	}{
		{0, minChunk},
		{1, minChunk},
		{24, minChunk},
		{25, 40},
		{4096, 4104},
		{^uintptr(0), 0},
	}

	for specIndex, spec := range specs {
		if got := chunkSizeFor(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected chunkSizeFor(%d) to return %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestBinIndex(t *testing.T) {
	specs := []struct {
		size uintptr
		exp  int
	}{
		{32, 0},
		{63, 0},
		{64, 1},
		{4104, 7},
		{1 << 62, 57},
	}

	for specIndex, spec := range specs {
		if got := binIndex(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected binIndex(%d) to return %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestArenaClaim(t *testing.T) {
	arena, _, start := newTestArena(t, 8*mm.PageSize)

	stats := arena.Stats()
	if exp := mm.Size(8 * mm.PageSize); stats.Claimed != exp {
		t.Fatalf("expected %d claimed bytes; got %d", exp, stats.Claimed)
	}
	if exp := mm.Size(8*mm.PageSize - headerSize); stats.Free != exp || stats.InUse != 0 {
		t.Fatalf("expected %d free bytes and none in use; got %+v", exp, stats)
	}

	if err := arena.Claim(start, minChunk); err != ErrSpanTooSmall {
		t.Fatalf("expected error %v; got %v", ErrSpanTooSmall, err)
	}

	extra := start + 8*mm.PageSize
	other := NewArena(arena.mem)
	for i := 0; i < maxSpans; i++ {
		if err := other.Claim(extra+uintptr(i)*128, 128); err != nil {
			t.Fatalf("unexpected error claiming span %d: %v", i, err)
		}
	}
	if err := other.Claim(extra+maxSpans*128, 128); err != ErrTooManySpans {
		t.Fatalf("expected error %v; got %v", ErrTooManySpans, err)
	}
	mustValidate(t, other)
}

func TestArenaMallocFree(t *testing.T) {
	arena, m, start := newTestArena(t, 16*mm.PageSize)

	sizes := []uintptr{0, 1, 8, 24, 100, 512, 4096, 3000}
	ptrs := make([]uintptr, len(sizes))
	for i, size := range sizes {
		ptrs[i] = arena.Malloc(size, 8)
		if ptrs[i] == 0 {
			t.Fatalf("unable to allocate %d bytes", size)
		}
		if ptrs[i]%8 != 0 || !arena.Contains(ptrs[i]) {
			t.Fatalf("got misaligned or out of span block 0x%x", ptrs[i])
		}
		if got := arena.UsableSize(ptrs[i]); got < size {
			t.Fatalf("expected block of at least %d bytes; got %d", size, got)
		}
		m.Memset(ptrs[i], byte(i+1), size)
		mustValidate(t, arena)
	}

	for i, size := range sizes {
		if exp, got := bytes.Repeat([]byte{byte(i + 1)}, int(size)), m.ReadBytes(ptrs[i], size); !bytes.Equal(exp, got) {
			t.Fatalf("block %d was overwritten", i)
		}
	}

	if got := arena.Stats().Allocations; got != uint64(len(sizes)) {
		t.Fatalf("expected %d live allocations; got %d", len(sizes), got)
	}

	// Free in an interleaved order to exercise merging in both directions.
	for _, i := range []int{1, 3, 5, 7, 0, 2, 6, 4} {
		arena.Free(ptrs[i])
		mustValidate(t, arena)
	}

	stats := arena.Stats()
	if stats.InUse != 0 || stats.Allocations != 0 {
		t.Fatalf("expected an empty arena; got %+v", stats)
	}

	// Everything should have coalesced back into the original chunk.
	if got := arena.Malloc(16*mm.PageSize-2*headerSize, 8); got != start+headerSize {
		t.Fatalf("expected the whole span to be available at 0x%x; got 0x%x", start+headerSize, got)
	}
}

func TestArenaAlignment(t *testing.T) {
	arena, _, _ := newTestArena(t, 16*mm.PageSize)

	for _, align := range []uintptr{1, 8, 16, 64, 256, 4096} {
		for i := 0; i < 3; i++ {
			ptr := arena.Malloc(40, align)
			if ptr == 0 {
				t.Fatalf("unable to allocate block with alignment %d", align)
			}
			if ptr%align != 0 {
				t.Fatalf("expected block aligned to %d; got 0x%x", align, ptr)
			}
			mustValidate(t, arena)
		}
	}
}

func TestArenaGrowInPlace(t *testing.T) {
	arena, m, _ := newTestArena(t, 4*mm.PageSize)

	ptr := arena.Malloc(64, 8)
	m.Memset(ptr, 0xab, 64)

	if !arena.GrowInPlace(ptr, 1024) {
		t.Fatal("expected block followed by free space to grow in place")
	}
	if got := arena.UsableSize(ptr); got < 1024 {
		t.Fatalf("expected at least 1024 usable bytes; got %d", got)
	}
	mustValidate(t, arena)

	if !arena.GrowInPlace(ptr, 16) {
		t.Fatal("expected growing to a smaller size to succeed trivially")
	}

	blocker := arena.Malloc(8, 8)
	if arena.GrowInPlace(ptr, 2048) {
		t.Fatal("expected growth to fail when the next chunk is allocated")
	}

	if got := m.ReadBytes(ptr, 64); !bytes.Equal(got, bytes.Repeat([]byte{0xab}, 64)) {
		t.Fatal("expected block contents to survive growing")
	}

	arena.Free(blocker)
	if arena.GrowInPlace(ptr, 64*mm.PageSize) {
		t.Fatal("expected growth beyond the span to fail")
	}

	if !arena.GrowInPlace(ptr, 4*mm.PageSize-3*headerSize) {
		t.Fatal("expected block to absorb the rest of the span")
	}
	mustValidate(t, arena)
}

func TestArenaShrink(t *testing.T) {
	arena, _, _ := newTestArena(t, 4*mm.PageSize)

	ptr := arena.Malloc(2048, 8)
	next := arena.Malloc(64, 8)
	inUse := arena.Stats().InUse

	arena.Shrink(ptr, 256)
	mustValidate(t, arena)

	if got := arena.Stats().InUse; got >= inUse {
		t.Fatalf("expected shrinking to release memory; in use before %d, after %d", inUse, got)
	}

	// The released tail can be reused.
	tail := arena.Malloc(1024, 8)
	if tail <= ptr || tail >= next {
		t.Fatalf("expected the released tail between 0x%x and 0x%x to be reused; got 0x%x", ptr, next, tail)
	}

	// Shrinking by less than a chunk is a no-op.
	before := arena.Stats()
	arena.Shrink(tail, 1016)
	if after := arena.Stats(); after != before {
		t.Fatalf("expected shrink by a few bytes to leave the arena untouched; %+v != %+v", after, before)
	}
	mustValidate(t, arena)
}

func TestArenaExhaustion(t *testing.T) {
	arena, _, _ := newTestArena(t, 2*mm.PageSize)

	if got := arena.Malloc(2*mm.PageSize, 8); got != 0 {
		t.Fatalf("expected an oversized request to fail; got 0x%x", got)
	}
	if got := arena.Malloc(^uintptr(0)-4, 8); got != 0 {
		t.Fatalf("expected an unrepresentable request to fail; got 0x%x", got)
	}

	var count int
	for arena.Malloc(100, 8) != 0 {
		count++
	}
	if count == 0 {
		t.Fatal("expected at least one allocation to succeed")
	}
	mustValidate(t, arena)
}

func TestArenaRandomWorkload(t *testing.T) {
	arena, m, _ := newTestArena(t, 64*mm.PageSize)

	type block struct {
		ptr, size uintptr
		pattern   byte
	}

	var (
		rng  = rand.New(rand.NewSource(42))
		live []block
	)

	for op := 0; op < 2000; op++ {
		switch {
		case len(live) > 0 && rng.Intn(3) == 0:
			i := rng.Intn(len(live))
			b := live[i]
			if got := m.ReadBytes(b.ptr, b.size); !bytes.Equal(got, bytes.Repeat([]byte{b.pattern}, int(b.size))) {
				t.Fatalf("[op %d] block 0x%x was corrupted", op, b.ptr)
			}
			arena.Free(b.ptr)
			live = append(live[:i], live[i+1:]...)
		default:
			size := uintptr(rng.Intn(600))
			align := uintptr(1) << uint(rng.Intn(8))
			ptr := arena.Malloc(size, align)
			if ptr == 0 {
				continue
			}
			if ptr%align != 0 {
				t.Fatalf("[op %d] expected alignment %d; got 0x%x", op, align, ptr)
			}
			pattern := byte(op)
			m.Memset(ptr, pattern, size)
			live = append(live, block{ptr, size, pattern})
		}

		if op%100 == 0 {
			mustValidate(t, arena)
		}
	}

	for _, b := range live {
		arena.Free(b.ptr)
	}
	mustValidate(t, arena)

	if stats := arena.Stats(); stats.InUse != 0 || stats.Allocations != 0 {
		t.Fatalf("expected an empty arena; got %+v", stats)
	}
}

func TestArenaValidateDetectsCorruption(t *testing.T) {
	arena, m, _ := newTestArena(t, 4*mm.PageSize)

	ptr := arena.Malloc(64, 8)
	arena.Malloc(64, 8)
	arena.Free(ptr)
	mustValidate(t, arena)

	// Clobber the footer of the freed chunk.
	chunk := ptr - headerSize
	m.WriteUint64(chunk+arena.chunkSize(chunk)-wordSize, 0xdead)

	err := arena.Validate()
	if err == nil || !strings.Contains(err.Error(), "mismatched footer") {
		t.Fatalf("expected a footer mismatch to be reported; got %v", err)
	}
}

func TestArenaVisitChunks(t *testing.T) {
	arena, _, start := newTestArena(t, 4*mm.PageSize)

	a := arena.Malloc(100, 8)
	arena.Malloc(200, 8)
	arena.Free(a)

	type chunk struct {
		addr, size uintptr
		inUse      bool
	}
	var got []chunk
	arena.VisitChunks(func(span int, addr, size uintptr, inUse bool) bool {
		if span != 0 {
			t.Errorf("expected a single span; got span %d", span)
		}
		got = append(got, chunk{addr, size, inUse})
		return true
	})

	exp := []chunk{
		{start, 112, false},
		{start + 112, 208, true},
		{start + 320, 4*mm.PageSize - 320 - headerSize, false},
	}
	if len(got) != len(exp) {
		t.Fatalf("expected %d chunks; got %d: %+v", len(exp), len(got), got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Errorf("[chunk %d] expected %+v; got %+v", i, exp[i], got[i])
		}
	}
}

func TestArenaDebugLogChunks(t *testing.T) {
	arena, _, _ := newTestArena(t, 4*mm.PageSize)
	arena.Malloc(64, 8)

	var buf bytes.Buffer
	arena.DebugLogChunks(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	out := buf.String()
	if got := strings.Count(out, `msg="heap chunk"`); got != 2 {
		t.Fatalf("expected 2 chunks to be logged; got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "in_use=true") || !strings.Contains(out, "in_use=false") {
		t.Fatalf("expected both allocated and free chunks to be logged:\n%s", out)
	}
}
