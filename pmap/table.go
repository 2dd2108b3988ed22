package pmap

import (
	"pmap/kernel/mm"
)

// table is one page-table page's worth of entries as they sit in physical
// memory. A kernel with a bootloader-provided recursive self-mapping can
// reach a table's physical frame through a fixed virtual window; this
// module has no such mapping to lean on, so a table is reached through the
// pmap's backing mm.Arena instead (see tableSource below). The addressing
// math the walker performs is the same either way.
type table [mm.EntriesPerTable]pte

// tableSource resolves a physical frame holding a page-table page to the
// table itself. arenaTables implements it over an *mm.Arena; tests can supply a fake
// to exercise the walker without a real frame allocator.
type tableSource interface {
	tableAt(f mm.Frame) *table
}

// arenaTables adapts an *mm.Arena into a tableSource.
type arenaTables struct {
	arena *mm.Arena
}

func (a arenaTables) tableAt(f mm.Frame) *table {
	return (*table)(a.arena.Dmap(f))
}

// levelIndex extracts the index a virtual address contributes at the given
// paging level (0 = top level, pageLevels-1 = leaf level), using the
// pageLevelShifts table (entry_amd64.go). The extended/nested regime has
// its own eptLevelIndex (entry_ept.go), which applies the same
// shift-and-mask to eptLevelShifts.
func levelIndex(va uintptr, level int) int {
	shift := pageLevelShifts[level]
	mask := uintptr(mm.EntriesPerTable - 1)
	return int((va >> shift) & mask)
}

// pageOffset extracts the byte offset within a 4 KiB page.
func pageOffset(va uintptr) uintptr {
	return va & (mm.PageSize - 1)
}
