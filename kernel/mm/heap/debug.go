package heap

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Validate walks every span and every bin and returns an error describing the
// first inconsistency it finds. It allocates and is meant for tests and host
// tools, not for the running kernel.
func (a *Arena) Validate() error {
	binned := make(map[uintptr]bool)
	for bin := 0; bin < numBins; bin++ {
		if (a.avail&(1<<uint(bin)) != 0) != (a.bins[bin] != 0) {
			return errors.Newf("heap: availability bit for bin %d does not match its list", bin)
		}

		var prev uintptr
		for chunk := a.bins[bin]; chunk != 0; prev, chunk = chunk, a.next(chunk) {
			switch {
			case binned[chunk]:
				return errors.Newf("heap: chunk 0x%x appears twice in the free lists", chunk)
			case !a.Contains(chunk):
				return errors.Newf("heap: free list of bin %d points outside the heap (0x%x)", bin, chunk)
			case a.header(chunk)&flagInUse != 0:
				return errors.Newf("heap: allocated chunk 0x%x found in bin %d", chunk, bin)
			case binIndex(a.chunkSize(chunk)) != bin:
				return errors.Newf("heap: chunk 0x%x of size %d filed under bin %d", chunk, a.chunkSize(chunk), bin)
			case a.prev(chunk) != prev:
				return errors.Newf("heap: chunk 0x%x has a broken back link", chunk)
			}
			binned[chunk] = true
		}
	}

	var (
		inUse  uintptr
		allocs uint64
		free   int
	)
	for i := 0; i < a.numSpans; i++ {
		s := a.spans[i]
		prevInUse := true
		chunk := s.start
		for ; chunk < s.fence; chunk += a.chunkSize(chunk) {
			hdr := a.header(chunk)
			size := uintptr(hdr &^ flagMask)

			switch {
			case size < minChunk || size%wordSize != 0:
				return errors.Newf("heap: chunk 0x%x has invalid size %d", chunk, size)
			case chunk+size > s.fence:
				return errors.Newf("heap: chunk 0x%x of size %d overruns its span", chunk, size)
			case (hdr&flagPrevInUse != 0) != prevInUse:
				return errors.Newf("heap: chunk 0x%x has a stale prev-in-use flag", chunk)
			}

			if hdr&flagInUse != 0 {
				inUse += size
				allocs++
				prevInUse = true
				continue
			}

			switch {
			case !prevInUse:
				return errors.Newf("heap: adjacent free chunks at 0x%x", chunk)
			case uintptr(a.mem.ReadUint64(chunk+size-wordSize)) != size:
				return errors.Newf("heap: free chunk 0x%x has a mismatched footer", chunk)
			case !binned[chunk]:
				return errors.Newf("heap: free chunk 0x%x is not in any bin", chunk)
			}
			free++
			prevInUse = false
		}

		if chunk != s.fence {
			return errors.Newf("heap: chunk walk of span 0x%x missed the fence", s.start)
		}
		if hdr := a.header(s.fence); hdr&^flagPrevInUse != flagInUse || (hdr&flagPrevInUse != 0) != prevInUse {
			return errors.Newf("heap: corrupted fence at 0x%x", s.fence)
		}
	}

	switch {
	case free != len(binned):
		return errors.Newf("heap: %d free chunks in the spans but %d in the bins", free, len(binned))
	case uint64(inUse) != uint64(a.inUse):
		return errors.Newf("heap: in-use counter is %d but allocated chunks add up to %d", a.inUse, inUse)
	case allocs != a.allocs:
		return errors.Newf("heap: allocation counter is %d but %d chunks are allocated", a.allocs, allocs)
	}
	return nil
}

// ChunkVisitor is invoked by VisitChunks for each chunk of a span. Returning
// false stops the walk.
type ChunkVisitor func(span int, addr, size uintptr, inUse bool) bool

// VisitChunks walks every chunk of every span in address order. The walk
// stops early at a zero-sized chunk header.
func (a *Arena) VisitChunks(visitor ChunkVisitor) {
	for i := 0; i < a.numSpans; i++ {
		s := a.spans[i]
		for chunk := s.start; chunk < s.fence; {
			size := a.chunkSize(chunk)
			if !visitor(i, chunk, size, a.header(chunk)&flagInUse != 0) || size == 0 {
				return
			}
			chunk += size
		}
	}
}

// DebugLogChunks logs every chunk of every span at debug level.
func (a *Arena) DebugLogChunks(log *slog.Logger) {
	lastSpan := -1
	a.VisitChunks(func(span int, addr, size uintptr, inUse bool) bool {
		if span != lastSpan {
			lastSpan = span
			log.Debug("heap span", slog.Int("index", span), slog.Uint64("start", uint64(a.spans[span].start)), slog.Uint64("fence", uint64(a.spans[span].fence)))
		}
		if size == 0 {
			log.Error("heap chunk with zero size", slog.Uint64("addr", uint64(addr)))
			return false
		}
		log.Debug("heap chunk",
			slog.Uint64("addr", uint64(addr)),
			slog.Uint64("size", uint64(size)),
			slog.Bool("in_use", inUse),
		)
		return true
	})
}
