package pmap

import (
	"pmap/kernel"
	"pmap/kernel/mm"
)

// ept.go holds the mapping operations for the extended/nested regime
// (Kind == KindExtended): translating a guest-physical address to a host
// frame through its own shallower paging tree, built with entry_ept.go's
// leaf encoding. Adapted from ptp.go/map.go's acquire/release/Enter/Remove,
// stripped of everything that only makes sense for a CPU-visible address
// space: there is no pv-tracking (a guest's frames are never reverse-mapped
// back to it the way a process's are, since nothing outside this one guest
// ever needs to find them that way) and no TLB shootdown (the hypervisor
// layer that owns the VMCS is responsible for invalidating any cached
// guest-physical-to-host-physical translations, not this package).

func validateGPA(gpa uintptr) *kernel.Error {
	if gpa&(mm.PageSize-1) != 0 {
		return ErrInvalidAddress
	}
	return nil
}

// eptAcquire returns the leaf entry for a guest-physical address, allocating
// any missing intermediate tables along the way. Mirrors acquire (ptp.go)
// with two differences: it walks eptLevels instead of pageLevels, and newly
// created intermediate entries carry full read/write/execute access (a
// guest's own page tables are what actually restrict it; the EPT tree here
// only needs to exist, not to additionally narrow anything).
func (p *Pmap) eptAcquire(gpa uintptr) (leaf *pte, leafTableFrame mm.Frame, err *kernel.Error) {
	frame := p.root
	for level := 0; level < eptLevels-1; level++ {
		tbl := p.tableAt(frame)
		idx := eptLevelIndex(gpa, level)
		e := &tbl[idx]

		if !eptPresent(*e) {
			child, aerr := p.alloc.AllocFrame()
			if aerr != nil {
				return nil, 0, ErrOutOfMemory
			}
			e.setFrameAddr(child.Address())
			e.setFlags(eptFlagRead | eptFlagWrite | eptFlagExec)
			p.ptps[child] = &ptpInfo{frame: child}
			p.bumpWire(frame, 1)
			frame = child
			continue
		}

		frame = mm.FrameFromAddress(e.frameAddr())
	}

	tbl := p.tableAt(frame)
	idx := eptLevelIndex(gpa, eptLevels-1)
	return &tbl[idx], frame, nil
}

// eptRelease mirrors release (ptp.go) for the extended regime's shallower
// tree: no shadow-root mirroring applies, since a guest address space never
// runs in the kernel-isolating regime.
func (p *Pmap) eptRelease(gpa uintptr, deferred *[]mm.Frame) *kernel.Error {
	var frames [eptLevels]mm.Frame
	var idxs [eptLevels]int

	frame := p.root
	for level := 0; level < eptLevels; level++ {
		frames[level] = frame
		idxs[level] = eptLevelIndex(gpa, level)
		if level == eptLevels-1 {
			break
		}
		tbl := p.tableAt(frame)
		e := &tbl[idxs[level]]
		if !eptPresent(*e) {
			return ErrNotMapped
		}
		frame = mm.FrameFromAddress(e.frameAddr())
	}

	leafTableFrame := frames[eptLevels-1]
	p.bumpWire(leafTableFrame, -1)

	for level := eptLevels - 1; level > 0; level-- {
		info := p.ptps[frames[level]]
		if info == nil || info.wireCount > 0 {
			break
		}
		parentFrame := frames[level-1]
		parentTbl := p.tableAt(parentFrame)
		parentTbl[idxs[level-1]] = 0
		delete(p.ptps, frames[level])
		*deferred = append(*deferred, frames[level])
		p.bumpWire(parentFrame, -1)
	}

	return nil
}

// EnterGuest creates or replaces the guest-physical-to-host-frame mapping
// at gpa with the given permissions. Valid only on an extended/nested pmap.
func (p *Pmap) EnterGuest(gpa uintptr, frame mm.Frame, prot EPTProt) *kernel.Error {
	if p.kind != KindExtended {
		return ErrWrongRegime
	}
	if err := validateGPA(gpa); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	leaf, leafTableFrame, err := p.eptAcquire(gpa)
	if err != nil {
		return err
	}

	wasPresent := eptPresent(*leaf)
	*leaf = pte(encodeEPTProt(prot))
	leaf.setFrameAddr(frame.Address())

	if !wasPresent {
		p.bumpWire(leafTableFrame, 1)
		p.resident++
	}
	return nil
}

// RemoveGuest unmaps gpa, returning any intermediate tables that become
// empty as a result to deferred free via the normal path (no shootdown
// barrier applies, so the frames are freed immediately).
func (p *Pmap) RemoveGuest(gpa uintptr) *kernel.Error {
	if p.kind != KindExtended {
		return ErrWrongRegime
	}
	if err := validateGPA(gpa); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := eptWalk(arenaTables{arena: p.arena}, p.root, gpa)
	if !res.Present {
		return ErrNotMapped
	}
	*res.Entry = 0
	p.resident--

	var deferred []mm.Frame
	if err := p.eptRelease(gpa, &deferred); err != nil {
		return err
	}
	for _, f := range deferred {
		if ferr := p.alloc.FreeFrame(f); ferr != nil {
			log.WithError(ferr).WithField("frame", f).Warn("pmap: failed to free reclaimed EPT table frame")
		}
	}
	return nil
}

// ExtractGuest reports the host frame and permissions currently backing a
// guest-physical address, or ErrNotMapped if nothing is mapped there.
func (p *Pmap) ExtractGuest(gpa uintptr) (mm.Frame, EPTProt, *kernel.Error) {
	if p.kind != KindExtended {
		return mm.InvalidFrame, 0, ErrWrongRegime
	}
	if err := validateGPA(gpa); err != nil {
		return mm.InvalidFrame, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := eptWalk(arenaTables{arena: p.arena}, p.root, gpa)
	if !res.Present {
		return mm.InvalidFrame, 0, ErrNotMapped
	}
	return mm.FrameFromAddress(res.Entry.frameAddr()), decodeEPTProt(PTEFlag(*res.Entry)), nil
}

// eptWalk is the extended-regime counterpart of walk (walk.go): a
// non-allocating descent through an eptLevels-deep tree using the
// read/write/execute-implies-present rule instead of FlagPresent.
func eptWalk(src tableSource, rootFrame mm.Frame, gpa uintptr) WalkResult {
	frame := rootFrame
	for level := 0; level < eptLevels; level++ {
		tbl := src.tableAt(frame)
		idx := eptLevelIndex(gpa, level)
		e := &tbl[idx]

		if !eptPresent(*e) {
			return WalkResult{Entry: e, Level: level, Present: false}
		}
		if level == eptLevels-1 {
			return WalkResult{Entry: e, Level: level, Present: true}
		}
		if e.hasFlags(eptFlagLargePage) {
			return WalkResult{Entry: e, Level: level, Large: true, Present: true}
		}
		frame = mm.FrameFromAddress(e.frameAddr())
	}
	panic("pmap: eptWalk fell through without returning")
}
