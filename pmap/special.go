package pmap

import (
	"github.com/sirupsen/logrus"

	"pmap/kernel"
	"pmap/kernel/mm"
)

// EnterSpecial installs a mapping into a pmap's shadow (kernel-isolating)
// root only, leaving the main root untouched. Used for the small set of
// addresses — the syscall/interrupt entry trampoline — that must remain
// reachable immediately after a user-mode CPU loads the shadow root but
// that have no business being reachable through the full kernel mapping a
// CPU runs with once it has switched to ActivateDirect.
//
// This mirrors the "U-K" (user-kernel) page table split kernels adopted
// against speculative-execution side channels that read from an
// unconditionally mapped kernel half; the acquire/release split here
// generalizes from a single fixed trampoline slot to an arbitrary kernel
// address so more than one special mapping can exist.
func (p *Pmap) EnterSpecial(va uintptr, frame mm.Frame, prot Prot) *kernel.Error {
	if p.kind != KindNormal {
		return ErrWrongRegime
	}
	if err := validateVA(va); err != nil {
		return err
	}
	if isUserVA(va) {
		return ErrInvalidAddress
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shadowRoot.Valid() {
		fatal("enter_special: pmap has no shadow root", logrus.Fields{"va": va})
	}

	leaf, leafTableFrame, err := p.acquireIn(p.shadowRoot, va)
	if err != nil {
		// enter_special has no CANFAIL flag: the trampoline mappings it
		// installs are required for the next user->kernel transition to
		// work at all, so exhaustion here is fatal rather than returned.
		fatal("enter_special: out of physical frames for a page-table page", logrus.Fields{"va": va})
	}

	wasPresent := leaf.hasFlags(FlagPresent)
	*leaf = pte(entryFlags(va, prot, CacheNormal, false))
	leaf.setFrameAddr(frame.Address())
	if !wasPresent {
		p.bumpWire(leafTableFrame, 1)
	}
	return nil
}

// acquireIn is acquire (ptp.go) generalized to walk/allocate beneath an
// arbitrary root frame instead of always p.root, with no shadow-mirroring
// side effect: the caller picks which tree it wants populated.
func (p *Pmap) acquireIn(rootFrame mm.Frame, va uintptr) (leaf *pte, leafTableFrame mm.Frame, err *kernel.Error) {
	frame := rootFrame
	for level := 0; level < pageLevels-1; level++ {
		tbl := p.tableAt(frame)
		idx := levelIndex(va, level)
		e := &tbl[idx]

		if !e.hasFlags(FlagPresent) {
			child, aerr := p.alloc.AllocFrame()
			if aerr != nil {
				return nil, 0, ErrOutOfMemory
			}
			e.setFrameAddr(child.Address())
			e.setFlags(FlagPresent | FlagRW)
			p.ptps[child] = &ptpInfo{frame: child}
			p.bumpWire(frame, 1)
			frame = child
			continue
		}

		frame = mm.FrameFromAddress(e.frameAddr())
	}

	tbl := p.tableAt(frame)
	idx := levelIndex(va, pageLevels-1)
	return &tbl[idx], frame, nil
}

// Convert changes a pmap's paging regime in place, wiping every existing
// leaf and intermediate page-table page it owns (other than the root
// itself, which is reinitialized empty). Any CPU that still has p loaded
// is shot down across its entire range before the vacated frames are
// recycled, the same deferred-free discipline Remove (map.go) follows:
// a stale TLB entry must never outlive the frame it pointed at.
func Convert(cpuID int, p *Pmap, kind Kind) *kernel.Error {
	p.mu.Lock()

	var deferred []mm.Frame
	for frame := range p.ptps {
		if frame == p.root {
			continue
		}
		deferred = append(deferred, frame)
	}
	rootTbl := p.tableAt(p.root)
	for i := range rootTbl {
		rootTbl[i] = 0
	}
	p.ptps = map[mm.Frame]*ptpInfo{p.root: {frame: p.root}}
	p.resident = 0
	p.wired = 0
	p.kind = kind
	p.invalidateHint()
	p.mu.Unlock()

	shootdownAll(p, cpuID)

	for _, frame := range deferred {
		if err := p.alloc.FreeFrame(frame); err != nil {
			log.WithError(err).WithField("frame", frame).Warn("pmap: failed to free frame during convert")
		}
	}
	return nil
}

// Collect is the re-enablement point for a whole-pmap sweep that would
// remove every unwired mapping and reclaim their page-table pages. It is
// disabled: callers that need to reclaim memory under pressure use
// targeted Remove calls instead of a whole-pmap sweep. Left as a stub with
// the documented re-enablement semantics rather than removed outright, so
// a future caller has a single place to wire it up. Re-enabling it means
// removing every unwired mapping of p and shooting down the result the
// same way Convert does; Remove (map.go) unmaps a single page per call and
// has no option to skip wired mappings.
func Collect(p *Pmap) *kernel.Error {
	fatal("collect: disabled", logrus.Fields{"pmap": p})
	return nil
}
