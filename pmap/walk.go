package pmap

import "pmap/kernel/mm"

// WalkResult reports where a page-table walk stopped. The walker never
// allocates or mutates: it descends the tree only as far as entries
// already exist and never installs anything.
type WalkResult struct {
	// Entry points at the page-table entry the walk stopped on: either the
	// leaf entry (Level == pageLevels-1) or the first not-present entry
	// encountered on the way down.
	Entry *pte

	// Level is the paging level Entry belongs to (0 = top level).
	Level int

	// Large is true when the walk stopped on a large-page terminal above
	// the leaf level. The normal regime never installs one itself, but the
	// walker must still recognize one if some other agent installed it.
	Large bool

	// Present mirrors Entry.hasFlags(FlagPresent) for callers that don't
	// want to reach into the unexported entry type.
	Present bool
}

// walk descends the table rooted at rootFrame following va's per-level
// indices, stopping at the first not-present entry, a large-page terminal,
// or the leaf level — whichever comes first. Kept as the non-mutating
// counterpart to acquire's allocate-as-you-go descent (ptp.go), so the two
// have separate tests.
func walk(src tableSource, rootFrame mm.Frame, va uintptr) WalkResult {
	tbl := src.tableAt(rootFrame)

	for level := 0; level < pageLevels; level++ {
		idx := levelIndex(va, level)
		e := &tbl[idx]

		if !e.hasFlags(FlagPresent) {
			return WalkResult{Entry: e, Level: level}
		}

		if level < pageLevels-1 && e.hasFlags(FlagLargePage) {
			return WalkResult{Entry: e, Level: level, Large: true, Present: true}
		}

		if level == pageLevels-1 {
			return WalkResult{Entry: e, Level: level, Present: true}
		}

		tbl = src.tableAt(mm.FrameFromAddress(e.frameAddr()))
	}

	panic("pmap: walk fell off the end of pageLevels")
}

// lookup is the read-only translation primitive Extract is built on: it
// reports the physical frame and access bits backing va, or ok=false if no
// translation exists.
func lookup(src tableSource, rootFrame mm.Frame, va uintptr) (frame mm.Frame, flags PTEFlag, ok bool) {
	res := walk(src, rootFrame, va)
	if !res.Present {
		return mm.InvalidFrame, 0, false
	}
	return mm.FrameFromAddress(res.Entry.frameAddr()), PTEFlag(*res.Entry) &^ PTEFlag(ptePhysPageMask), true
}
