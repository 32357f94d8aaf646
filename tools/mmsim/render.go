package main

import (
	"math"

	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/cockroachdb/errors"
	"github.com/fogleman/gg"
)

const (
	frameCols     = 64
	cellSize      = 8
	margin        = 8
	heapBarHeight = 32
)

type frameState uint8

const (
	frameReserved frameState = iota
	frameBootloader
	frameUsed
	frameFree
)

// frameStates classifies every physical frame of the simulated machine.
// Frames of available regions that are not in the free list have been handed
// out by the frame allocator.
func frameStates(sim *simulator) []frameState {
	info := sim.m.BootInfo()

	var physEnd uint64
	info.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > physEnd {
			physEnd = end
		}
		return true
	})

	states := make([]frameState, mm.PageAlignUp(uintptr(physEnd))>>mm.PageShift)
	info.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		var state frameState
		switch region.Type {
		case bootinfo.MemAvailable:
			state = frameUsed
		case bootinfo.MemBootloaderReclaimable:
			state = frameBootloader
		default:
			return true
		}

		first := mm.PageAlignUp(uintptr(region.PhysAddress)) >> mm.PageShift
		last := uintptr(region.PhysAddress+region.Length) >> mm.PageShift
		for frame := first; frame < last; frame++ {
			states[frame] = state
		}
		return true
	})

	sim.ctx.Frames().VisitFreeFrames(func(frame mm.Frame) bool {
		states[frame] = frameFree
		return true
	})

	return states
}

func setFrameColor(dc *gg.Context, state frameState) {
	switch state {
	case frameFree:
		dc.SetRGB(0.3, 0.75, 0.4)
	case frameUsed:
		dc.SetRGB(0.85, 0.3, 0.25)
	case frameBootloader:
		dc.SetRGB(0.95, 0.75, 0.2)
	default:
		dc.SetRGB(0.6, 0.6, 0.6)
	}
}

// drawOccupancy renders a grid with one cell per physical frame followed by a
// bar that shows the chunks of the heap span.
func drawOccupancy(sim *simulator) *gg.Context {
	states := frameStates(sim)
	rows := (len(states) + frameCols - 1) / frameCols
	width := frameCols * cellSize

	dc := gg.NewContext(width, rows*cellSize+margin+heapBarHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for i, state := range states {
		setFrameColor(dc, state)
		dc.DrawRectangle(float64(i%frameCols*cellSize)+1, float64(i/frameCols*cellSize)+1, cellSize-2, cellSize-2)
		dc.Fill()
	}

	start, size := sim.ctx.Heap().Span()
	if size == 0 {
		return dc
	}

	scale := float64(width) / float64(size)
	top := float64(rows*cellSize + margin)
	sim.ctx.Heap().VisitChunks(func(_ int, addr, chunkSize uintptr, inUse bool) bool {
		if inUse {
			setFrameColor(dc, frameUsed)
		} else {
			setFrameColor(dc, frameFree)
		}
		dc.DrawRectangle(float64(addr-start)*scale, top, math.Max(float64(chunkSize)*scale, 1), heapBarHeight)
		dc.Fill()
		return true
	})

	return dc
}

// renderOccupancy writes the occupancy map of sim to a PNG file.
func renderOccupancy(sim *simulator, path string) error {
	if err := drawOccupancy(sim).SavePNG(path); err != nil {
		return errors.Wrapf(err, "writing occupancy map to %s", path)
	}
	return nil
}
