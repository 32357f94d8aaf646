package heap

import (
	"math/bits"

	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
)

// Chunk layout
//
// Every chunk starts with a header word that stores the chunk size (which
// includes the header) and two flags in its low bits. The payload of an
// allocated chunk starts right after its header. Free chunks additionally
// keep the next/prev links of their bin list after the header and a copy of
// their size in their last word, so that a chunk being freed can locate and
// merge with a free predecessor.
//
//	allocated: [size|flags][payload ..........................]
//	free:      [size|flags][next][prev][ ........ ][size]
//
// Each claimed span ends with a zero-sized, permanently allocated fence
// header which stops coalescing at the span boundary.
const (
	wordSize   = uintptr(8)
	headerSize = wordSize
	minChunk   = 4 * wordSize

	flagInUse     = uint64(1 << 0)
	flagPrevInUse = uint64(1 << 1)
	flagMask      = uint64(wordSize - 1)

	// numBins is the number of size classes. Bin i holds free chunks with
	// sizes in [32<<i, 64<<i).
	numBins = 64

	// maxSpans is the number of regions that can be claimed by an Arena.
	maxSpans = 8
)

var (
	// ErrSpanTooSmall is returned by Claim if the region cannot hold a
	// single chunk plus the fence header.
	ErrSpanTooSmall = &kernel.Error{Module: "heap", Message: "span too small"}

	// ErrTooManySpans is returned by Claim if all span slots are in use.
	ErrTooManySpans = &kernel.Error{Module: "heap", Message: "too many spans"}
)

type span struct {
	start, fence uintptr
}

// Stats describes the state of an Arena.
type Stats struct {
	// Claimed is the number of bytes handed to the arena via Claim.
	Claimed mm.Size

	// InUse is the number of bytes occupied by allocated chunks, headers
	// included.
	InUse mm.Size

	// Free is the number of bytes available in free chunks.
	Free mm.Size

	// Allocations is the number of live allocations.
	Allocations uint64
}

// Arena is a boundary-tag allocator with segregated free lists. It keeps all
// of its metadata inside the memory it manages and accesses that memory only
// through an mm.Memory. Arena is not safe for concurrent use.
type Arena struct {
	mem mm.Memory

	// bins holds the address of the first chunk of each free list; 0 marks
	// an empty list. Bit i of avail is set if bins[i] is not empty.
	bins  [numBins]uintptr
	avail uint64

	spans    [maxSpans]span
	numSpans int

	claimed, inUse mm.Size
	allocs         uint64
}

// NewArena returns an empty Arena that manages memory accessed through mem.
func NewArena(mem mm.Memory) *Arena {
	return &Arena{mem: mem}
}

// Claim hands the region [start, start+size) to the arena.
func (a *Arena) Claim(start, size uintptr) *kernel.Error {
	if a.numSpans == maxSpans {
		return ErrTooManySpans
	}

	first := alignUp(start, wordSize)
	end := (start + size) &^ (wordSize - 1)
	if end < first || end-first < minChunk+headerSize {
		return ErrSpanTooSmall
	}

	fence := end - headerSize
	a.setHeader(fence, 0, flagInUse)

	chunkSize := fence - first
	a.setHeader(first, chunkSize, flagPrevInUse)
	a.setFooter(first, chunkSize)
	a.insert(first, chunkSize)

	a.spans[a.numSpans] = span{start: first, fence: fence}
	a.numSpans++
	a.claimed += mm.Size(end - first)
	return nil
}

// Stats returns a snapshot of the arena counters.
func (a *Arena) Stats() Stats {
	fences := mm.Size(uintptr(a.numSpans) * headerSize)
	return Stats{
		Claimed:     a.claimed,
		InUse:       a.inUse,
		Free:        a.claimed - a.inUse - fences,
		Allocations: a.allocs,
	}
}

// Contains returns true if addr lies within a claimed span.
func (a *Arena) Contains(addr uintptr) bool {
	for i := 0; i < a.numSpans; i++ {
		if addr >= a.spans[i].start && addr < a.spans[i].fence {
			return true
		}
	}
	return false
}

// Malloc returns the address of a block of at least size bytes aligned to
// align (a power of two) or 0 if no free chunk can hold it.
func (a *Arena) Malloc(size, align uintptr) uintptr {
	need := chunkSizeFor(size)
	if need == 0 {
		return 0
	}
	if align < wordSize {
		align = wordSize
	}

	chunk, payload := a.findFit(need, align)
	if chunk == 0 {
		return 0
	}

	chunkSize := a.chunkSize(chunk)
	prevFlag := a.header(chunk) & flagPrevInUse
	a.remove(chunk, chunkSize)

	// Give the bytes in front of an over-aligned payload back as a free
	// chunk of their own.
	if target := payload - headerSize; target != chunk {
		gap := target - chunk
		a.setHeader(chunk, gap, prevFlag)
		a.setFooter(chunk, gap)
		a.insert(chunk, gap)

		chunk, chunkSize, prevFlag = target, chunkSize-gap, 0
	}

	if chunkSize-need >= minChunk {
		rest := chunk + need
		a.setHeader(rest, chunkSize-need, flagPrevInUse)
		a.setFooter(rest, chunkSize-need)
		a.insert(rest, chunkSize-need)
		chunkSize = need
	} else {
		a.setPrevInUse(chunk+chunkSize, true)
	}

	a.setHeader(chunk, chunkSize, flagInUse|prevFlag)
	a.inUse += mm.Size(chunkSize)
	a.allocs++
	return payload
}

// Free returns a block obtained from Malloc to the arena, merging it with
// adjacent free chunks.
func (a *Arena) Free(ptr uintptr) {
	chunk := ptr - headerSize
	chunkSize := a.chunkSize(chunk)

	a.inUse -= mm.Size(chunkSize)
	a.allocs--
	a.release(chunk, chunkSize)
}

// GrowInPlace tries to extend the block at ptr to newSize bytes by absorbing
// the free chunk that follows it. It returns false and leaves the block
// untouched if that is not possible.
func (a *Arena) GrowInPlace(ptr, newSize uintptr) bool {
	chunk := ptr - headerSize
	chunkSize := a.chunkSize(chunk)
	need := chunkSizeFor(newSize)
	switch {
	case need == 0:
		return false
	case need <= chunkSize:
		return true
	}

	next := chunk + chunkSize
	nextHdr := a.header(next)
	if nextHdr&flagInUse != 0 {
		return false
	}

	nextSize := uintptr(nextHdr &^ flagMask)
	total := chunkSize + nextSize
	if total < need {
		return false
	}

	a.remove(next, nextSize)
	if total-need >= minChunk {
		rest := chunk + need
		a.setHeader(rest, total-need, flagPrevInUse)
		a.setFooter(rest, total-need)
		a.insert(rest, total-need)
		total = need
	} else {
		a.setPrevInUse(chunk+total, true)
	}

	a.setHeader(chunk, total, a.header(chunk)&flagMask)
	a.inUse += mm.Size(total - chunkSize)
	return true
}

// Shrink releases the tail of the block at ptr so that it holds at least
// newSize bytes. The block never moves.
func (a *Arena) Shrink(ptr, newSize uintptr) {
	chunk := ptr - headerSize
	chunkSize := a.chunkSize(chunk)
	need := chunkSizeFor(newSize)
	if need == 0 || chunkSize < need+minChunk {
		return
	}

	a.setHeader(chunk, need, a.header(chunk)&flagMask)
	a.inUse -= mm.Size(chunkSize - need)

	rest := chunk + need
	a.setHeader(rest, chunkSize-need, flagInUse|flagPrevInUse)
	a.release(rest, chunkSize-need)
}

// UsableSize returns the number of payload bytes of the block at ptr.
func (a *Arena) UsableSize(ptr uintptr) uintptr {
	return a.chunkSize(ptr-headerSize) - headerSize
}

// release turns an allocated chunk into a free one, merging it with free
// neighbours.
func (a *Arena) release(chunk, chunkSize uintptr) {
	prevFlag := a.header(chunk) & flagPrevInUse

	next := chunk + chunkSize
	if nextHdr := a.header(next); nextHdr&flagInUse == 0 {
		nextSize := uintptr(nextHdr &^ flagMask)
		a.remove(next, nextSize)
		chunkSize += nextSize
	}

	if prevFlag == 0 {
		prevSize := uintptr(a.mem.ReadUint64(chunk - wordSize))
		prev := chunk - prevSize
		a.remove(prev, prevSize)
		chunk, chunkSize = prev, chunkSize+prevSize
		prevFlag = a.header(prev) & flagPrevInUse
	}

	a.setHeader(chunk, chunkSize, prevFlag)
	a.setFooter(chunk, chunkSize)
	a.insert(chunk, chunkSize)
	a.setPrevInUse(chunk+chunkSize, false)
}

// findFit returns the first free chunk that can hold a chunk of need bytes
// whose payload is aligned to align, together with the payload address.
func (a *Arena) findFit(need, align uintptr) (uintptr, uintptr) {
	for mask := a.avail &^ (uint64(1)<<binIndex(need) - 1); mask != 0; mask &= mask - 1 {
		bin := bits.TrailingZeros64(mask)
		for chunk := a.bins[bin]; chunk != 0; chunk = a.next(chunk) {
			if payload, ok := a.fits(chunk, need, align); ok {
				return chunk, payload
			}
		}
	}
	return 0, 0
}

// fits checks whether a chunk of need bytes with an aligned payload can be
// carved out of the free chunk. A non-empty gap in front of the payload must
// be large enough to form a free chunk.
func (a *Arena) fits(chunk, need, align uintptr) (uintptr, bool) {
	chunkSize := a.chunkSize(chunk)
	payload := alignUp(chunk+headerSize, align)
	for gap := payload - headerSize - chunk; gap != 0 && gap < minChunk; gap += align {
		payload += align
	}

	target := payload - headerSize
	return payload, target+need <= chunk+chunkSize && target+need > target
}

// insert pushes a free chunk to the front of its bin.
func (a *Arena) insert(chunk, chunkSize uintptr) {
	bin := binIndex(chunkSize)
	head := a.bins[bin]

	a.mem.WriteUint64(chunk+wordSize, uint64(head))
	a.mem.WriteUint64(chunk+2*wordSize, 0)
	if head != 0 {
		a.mem.WriteUint64(head+2*wordSize, uint64(chunk))
	}

	a.bins[bin] = chunk
	a.avail |= 1 << uint(bin)
}

// remove unlinks a free chunk from its bin.
func (a *Arena) remove(chunk, chunkSize uintptr) {
	bin := binIndex(chunkSize)
	next, prev := a.next(chunk), a.prev(chunk)

	if prev != 0 {
		a.mem.WriteUint64(prev+wordSize, uint64(next))
	} else {
		a.bins[bin] = next
	}
	if next != 0 {
		a.mem.WriteUint64(next+2*wordSize, uint64(prev))
	}

	if a.bins[bin] == 0 {
		a.avail &^= 1 << uint(bin)
	}
}

func (a *Arena) header(chunk uintptr) uint64 { return a.mem.ReadUint64(chunk) }

func (a *Arena) chunkSize(chunk uintptr) uintptr {
	return uintptr(a.header(chunk) &^ flagMask)
}

func (a *Arena) next(chunk uintptr) uintptr { return uintptr(a.mem.ReadUint64(chunk + wordSize)) }

func (a *Arena) prev(chunk uintptr) uintptr { return uintptr(a.mem.ReadUint64(chunk + 2*wordSize)) }

func (a *Arena) setHeader(chunk, chunkSize uintptr, flags uint64) {
	a.mem.WriteUint64(chunk, uint64(chunkSize)|flags)
}

func (a *Arena) setFooter(chunk, chunkSize uintptr) {
	a.mem.WriteUint64(chunk+chunkSize-wordSize, uint64(chunkSize))
}

func (a *Arena) setPrevInUse(chunk uintptr, inUse bool) {
	hdr := a.header(chunk)
	if inUse {
		hdr |= flagPrevInUse
	} else {
		hdr &^= flagPrevInUse
	}
	a.mem.WriteUint64(chunk, hdr)
}

// chunkSizeFor returns the size of the chunk needed to hold size bytes or 0
// if the request is too large to represent.
func chunkSizeFor(size uintptr) uintptr {
	if size > ^uintptr(0)-2*wordSize {
		return 0
	}

	chunkSize := alignUp(size+headerSize, wordSize)
	if chunkSize < minChunk {
		return minChunk
	}
	return chunkSize
}

func binIndex(chunkSize uintptr) int {
	bin := bits.Len64(uint64(chunkSize)) - 6
	switch {
	case bin < 0:
		return 0
	case bin >= numBins:
		return numBins - 1
	}
	return bin
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
