// Package pmm provides the physical frame allocator that the pmap layer
// treats as an external collaborator. It tracks a single caller-supplied
// frame range instead of discovering pools from a boot-time memory map —
// this module has no bootloader to query, so the range is handed to Init
// by whoever embeds the pmap layer.
package pmm

import (
	"sync"

	"pmap/kernel"
	"pmap/kernel/mm"
)

var (
	errOutOfFrames = &kernel.Error{Module: "pmm", Message: "no free frames remaining"}
	errBadFrame    = &kernel.Error{Module: "pmm", Message: "frame not managed by this allocator"}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

// BitmapAllocator is a frame allocator that tracks the free/used state of a
// contiguous frame range with a bitmap, one bit per frame.
type BitmapAllocator struct {
	mu sync.Mutex

	arena *mm.Arena

	start     mm.Frame
	count     uint32
	freeCount uint32
	bitmap    []uint64 // bit set => frame reserved
}

// Init prepares the allocator to hand out frameCount frames backed by arena,
// starting at frame index start. All frames begin free.
func (a *BitmapAllocator) Init(arena *mm.Arena, start mm.Frame, frameCount uint32) {
	a.arena = arena
	a.start = start
	a.count = frameCount
	a.freeCount = frameCount
	a.bitmap = make([]uint64, (frameCount+63)>>6)
}

// Managed reports whether f falls within this allocator's frame range.
func (a *BitmapAllocator) Managed(f mm.Frame) bool {
	return f >= a.start && f < a.start+mm.Frame(a.count)
}

func (a *BitmapAllocator) bitFor(f mm.Frame) (block, mask uint64) {
	rel := uint64(f - a.start)
	return rel >> 6, 1 << (rel & 63)
}

// AllocFrame reserves the lowest-indexed free frame, zeroes it, and returns
// it. It returns a *kernel.Error if no frames remain.
func (a *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeCount == 0 {
		return mm.InvalidFrame, errOutOfFrames
	}

	for block := range a.bitmap {
		if a.bitmap[block] == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			mask := uint64(1) << bit
			if a.bitmap[block]&mask != 0 {
				continue
			}
			rel := uint64(block)<<6 + bit
			if rel >= uint64(a.count) {
				break
			}
			a.bitmap[block] |= mask
			a.freeCount--
			f := a.start + mm.Frame(rel)
			if a.arena != nil {
				clear(a.arena.Bytes(f))
			}
			return f, nil
		}
	}
	return mm.InvalidFrame, errOutOfFrames
}

// FreeFrame releases a previously allocated frame back to the pool.
func (a *BitmapAllocator) FreeFrame(f mm.Frame) *kernel.Error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Managed(f) {
		return errBadFrame
	}
	block, mask := a.bitFor(f)
	if a.bitmap[block]&mask == 0 {
		return errDoubleFree
	}
	a.bitmap[block] &^= mask
	a.freeCount++
	return nil
}

// Stats reports the total and free frame counts tracked by this allocator.
func (a *BitmapAllocator) Stats() (total, free uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.freeCount
}
