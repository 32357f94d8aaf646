package main

import (
	"bytes"
	"math/rand"

	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// validateEvery is the number of workload operations between two
	// consistency checks of the heap.
	validateEvery = 500

	maxBlockSize = 2048
)

type block struct {
	ptr     uintptr
	layout  mm.Layout
	pattern byte
}

type workloadResult struct {
	Allocs, Frees, Reallocs, Failed int

	// Live is the number of blocks still allocated when the workload ends.
	Live int
}

// runWorkload performs ops random allocations, releases and resizes against
// the simulated heap. Every block is filled with a pattern which is verified
// before the block is released or resized so that overlapping blocks are
// detected.
func runWorkload(sim *simulator, ops int, seed int64, log *slog.Logger) (workloadResult, error) {
	var (
		res   workloadResult
		rng   = rand.New(rand.NewSource(seed))
		live  []block
		alloc = sim.ctx
	)

	for op := 0; op < ops; op++ {
		switch choice := rng.Intn(10); {
		case choice < 5 || len(live) == 0:
			l := mm.Layout{Size: uintptr(rng.Intn(maxBlockSize)), Align: uintptr(1) << uint(rng.Intn(7))}
			ptr := alloc.Alloc(l)
			if ptr == 0 {
				res.Failed++
				log.Debug("allocation failed", slog.Int("op", op), slog.Uint64("size", uint64(l.Size)))
				continue
			}

			b := block{ptr: ptr, layout: l, pattern: byte(op)}
			sim.m.Memset(ptr, b.pattern, l.Size)
			live = append(live, b)
			res.Allocs++
		case choice < 8:
			i := rng.Intn(len(live))
			if err := verify(sim, live[i]); err != nil {
				return res, errors.Wrapf(err, "op %d", op)
			}

			alloc.Dealloc(live[i].ptr, live[i].layout)
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		default:
			i := rng.Intn(len(live))
			b := live[i]
			if err := verify(sim, b); err != nil {
				return res, errors.Wrapf(err, "op %d", op)
			}

			newSize := uintptr(rng.Intn(maxBlockSize))
			ptr := alloc.Realloc(b.ptr, b.layout, newSize)
			if ptr == 0 {
				res.Failed++
				log.Debug("realloc failed", slog.Int("op", op), slog.Uint64("size", uint64(newSize)))
				continue
			}

			// Only the common prefix is preserved; refill the block so that
			// it can be verified as a whole later on.
			b.ptr, b.layout = ptr, b.layout.WithSize(newSize)
			if err := verifyPrefix(sim, b, minSize(b.layout.Size, live[i].layout.Size)); err != nil {
				return res, errors.Wrapf(err, "op %d: contents lost by realloc", op)
			}
			sim.m.Memset(ptr, b.pattern, newSize)
			live[i] = b
			res.Reallocs++
		}

		if op%validateEvery == 0 {
			if err := sim.ctx.Heap().Validate(); err != nil {
				return res, errors.Wrapf(err, "op %d", op)
			}
		}
	}

	for _, b := range live {
		if err := verify(sim, b); err != nil {
			return res, err
		}
	}
	res.Live = len(live)

	return res, sim.ctx.Heap().Validate()
}

func verify(sim *simulator, b block) error {
	return verifyPrefix(sim, b, b.layout.Size)
}

func verifyPrefix(sim *simulator, b block, size uintptr) error {
	got := sim.m.ReadBytes(b.ptr, size)
	if !bytes.Equal(got, bytes.Repeat([]byte{b.pattern}, int(size))) {
		return errors.Newf("block 0x%x (%d bytes) was overwritten", b.ptr, b.layout.Size)
	}
	return nil
}

func minSize(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
