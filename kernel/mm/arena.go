package mm

import "unsafe"

// Arena is a direct-mapped window onto physical memory. Real pmap
// implementations address physical frames through a fixed, always-mapped
// virtual window; this module models that window as a single contiguous Go byte
// slice, so a Frame is simply an index into it. Adapted from
// Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go's Physmem_t.Dmap,
// without that codebase's modified-runtime dependencies.
type Arena struct {
	bytes []byte
}

// NewArena allocates backing storage for frameCount frames.
func NewArena(frameCount int) *Arena {
	return &Arena{bytes: make([]byte, uintptr(frameCount)*PageSize)}
}

// Frames reports how many frames this arena backs.
func (a *Arena) Frames() int {
	return len(a.bytes) / int(PageSize)
}

// Dmap returns a direct pointer to the start of frame f's contents.
func (a *Arena) Dmap(f Frame) unsafe.Pointer {
	off := f.Address()
	if off >= uintptr(len(a.bytes)) {
		panic("mm: frame out of range for arena")
	}
	return unsafe.Pointer(&a.bytes[off])
}

// Bytes returns a byte slice view over frame f's contents.
func (a *Arena) Bytes(f Frame) []byte {
	off := f.Address()
	return a.bytes[off : off+PageSize]
}
