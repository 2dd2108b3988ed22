package pmap

import (
	"github.com/sirupsen/logrus"

	"pmap/kernel"
	"pmap/kernel/cpu"
	"pmap/kernel/mm"
)

func cpuGlobalPagesSafe() bool { return cpu.GlobalPagesSafe() }

var (
	// ErrNotWired is returned by Unwire when the target mapping is not
	// currently wired.
	ErrNotWired = &kernel.Error{Module: "pmap", Message: "mapping is not wired"}
)

func validateVA(va uintptr) *kernel.Error {
	if va&(mm.PageSize-1) != 0 {
		return ErrInvalidAddress
	}
	// A canonical amd64 address either has bits 47-63 all zero or all
	// one; reject anything with a mixed sign-extension field.
	top := va >> 47
	if top != 0 && top != (1<<17)-1 {
		return ErrInvalidAddress
	}
	return nil
}

// entryFlags composes the hardware bits for a fresh leaf entry: symbolic
// protection, cache mode, the user/supervisor bit matching which half of
// the address space va falls in, and the global bit when it is safe to set
// (kernel-half mappings only, and only on hosts where PG_G doesn't expose a
// speculative-execution side channel).
func entryFlags(va uintptr, prot Prot, cache CacheMode, globalPagesSafe bool) PTEFlag {
	f := FlagPresent | encodeProt(prot) | encodeCacheMode(cache)
	if isUserVA(va) {
		f |= FlagUser
	} else if globalPagesSafe {
		f |= FlagGlobal
	}
	return f
}

// Enter creates or replaces the mapping at va in p, backing it with frame
// and the given protection/caching attributes. If wired is true the
// mapping is exempt from whatever eviction policy the caller layers on top
// (mapping never evicts on its own; wired is bookkeeping only). If canFail
// is true, running out of page-table-page frames while walking down to the
// leaf returns ErrOutOfMemory instead of treating the exhaustion as an
// invariant violation — the caller is expected to unwind and retry later.
// cpuID identifies the CPU making the call, so its own TLB can be updated
// directly instead of waiting on the shootdown coordinator to target it.
//
// Split so the allocate-as-you-descend walk (ptp.go's acquire) and the
// TLB/pv consequences of installing a leaf are separate steps, with
// explicit wired/pv/regime handling instead of a single frame-and-flags
// argument pair.
func (p *Pmap) Enter(cpuID int, va uintptr, frame mm.Frame, prot Prot, cache CacheMode, wired, canFail bool) *kernel.Error {
	if p.kind != KindNormal {
		return ErrWrongRegime
	}
	if err := validateVA(va); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	leaf, leafTableFrame, err := p.acquire(va)
	if err != nil {
		if canFail {
			return err
		}
		fatal("enter: out of physical frames for a page-table page", logrus.Fields{"va": va})
	}

	wasPresent := leaf.hasFlags(FlagPresent)
	var oldFrame mm.Frame
	var wasPVTracked, wasWired bool
	if wasPresent {
		oldFrame = mm.FrameFromAddress(leaf.frameAddr())
		wasPVTracked = leaf.hasFlags(FlagPVTracked)
		wasWired = leaf.hasFlags(FlagWired)
	}

	*leaf = pte(entryFlags(va, prot, cache, globalPagesSafeFn()))
	leaf.setFrameAddr(frame.Address())
	if wired {
		leaf.setFlags(FlagWired)
	}

	trackable := p.alloc.Managed(frame)
	if trackable {
		leaf.setFlags(FlagPVTracked)
	}

	switch {
	case !wasPresent:
		p.bumpWire(leafTableFrame, 1)
		p.resident++
	case oldFrame != frame:
		// replacing an existing mapping with a different frame: resident
		// count is unchanged (still one translation at va), but the old
		// frame's reverse-map entry must go and the new frame's must be
		// added.
		if wasPVTracked {
			reverseMap.detach(oldFrame, p, va)
		}
	}
	if wired && !wasWired {
		p.wired++
	} else if !wired && wasWired {
		p.wired--
	}

	if trackable && (!wasPresent || oldFrame != frame) {
		reverseMap.attach(frame, p, va)
	}

	if wasPresent {
		// A stale translation (old frame, or old permissions) may be
		// cached on any CPU this pmap is resident on; a brand new
		// mapping from "not present" needs no invalidation, since no
		// valid translation could have been cached for it.
		shootdown(p, cpuID, va, 1)
	}

	return nil
}

// globalPagesSafeFn is indirected so tests can force PG_G on or off
// without depending on the host's real CPUID results.
var globalPagesSafeFn = cpuGlobalPagesSafe

// Remove unmaps va, detaching its reverse-map entry (if any) and freeing
// any page-table pages that become empty as a result. The physical frame
// that was mapped is never freed here: this layer is mechanism, not
// policy, and the caller (the allocator/VM layer that owns the frame)
// decides whether it can be recycled. Any of the pmap's own now-empty
// intermediate page-table pages, by contrast, are internal to this pmap
// and are returned to its frame allocator once the shootdown barrier
// confirms no CPU can still be walking them.
func (p *Pmap) Remove(cpuID int, va uintptr) *kernel.Error {
	if p.kind != KindNormal {
		return ErrWrongRegime
	}
	if err := validateVA(va); err != nil {
		return err
	}

	p.mu.Lock()

	res := walk(arenaTables{arena: p.arena}, p.root, va)
	if !res.Present {
		p.mu.Unlock()
		return ErrNotMapped
	}

	oldFrame := mm.FrameFromAddress(res.Entry.frameAddr())
	wasPVTracked := res.Entry.hasFlags(FlagPVTracked)
	wasWired := res.Entry.hasFlags(FlagWired)
	*res.Entry = 0

	p.resident--
	if wasWired {
		p.wired--
	}

	var deferred []mm.Frame
	if err := p.release(va, &deferred); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if wasPVTracked {
		reverseMap.detach(oldFrame, p, va)
	}

	shootdown(p, cpuID, va, 1)

	for _, f := range deferred {
		if err := p.alloc.FreeFrame(f); err != nil {
			log.WithError(err).WithField("frame", f).Warn("pmap: failed to free reclaimed page-table frame")
		}
	}

	return nil
}

// Extract reports the physical frame and protection currently backing va,
// or ErrNotMapped if nothing is mapped there. It never mutates state and
// never triggers a shootdown.
func (p *Pmap) Extract(va uintptr) (mm.Frame, Prot, *kernel.Error) {
	if err := validateVA(va); err != nil {
		return mm.InvalidFrame, ProtNone, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	frame, flags, ok := lookup(arenaTables{arena: p.arena}, p.root, va)
	if !ok {
		return mm.InvalidFrame, ProtNone, ErrNotMapped
	}
	return frame, decodeProt(flags), nil
}

// WriteProtect narrows or widens the protection bits of an existing
// mapping without changing its backing frame.
func (p *Pmap) WriteProtect(cpuID int, va uintptr, prot Prot) *kernel.Error {
	if err := validateVA(va); err != nil {
		return err
	}

	p.mu.Lock()
	res := walk(arenaTables{arena: p.arena}, p.root, va)
	if !res.Present {
		p.mu.Unlock()
		return ErrNotMapped
	}

	res.Entry.clearFlags(FlagRW | FlagNoExecute)
	res.Entry.setFlags(encodeProt(prot))
	p.mu.Unlock()

	shootdown(p, cpuID, va, 1)
	return nil
}

// Unwire clears the wired bit on an existing mapping, making it eligible
// again for whatever eviction policy the caller layers on top. It returns
// ErrNotWired if the mapping exists but was not wired, and ErrNotMapped if
// there is no mapping at all.
func (p *Pmap) Unwire(va uintptr) *kernel.Error {
	if err := validateVA(va); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := walk(arenaTables{arena: p.arena}, p.root, va)
	if !res.Present {
		return ErrNotMapped
	}
	if !res.Entry.hasFlags(FlagWired) {
		return ErrNotWired
	}
	res.Entry.clearFlags(FlagWired)
	p.wired--
	return nil
}

// TestAttrs reports the accessed/dirty bits of the mapping at va.
func (p *Pmap) TestAttrs(va uintptr) (AccessedDirty, *kernel.Error) {
	if err := validateVA(va); err != nil {
		return AccessedDirty{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := walk(arenaTables{arena: p.arena}, p.root, va)
	if !res.Present {
		return AccessedDirty{}, ErrNotMapped
	}
	return decodeAccessedDirty(PTEFlag(*res.Entry)), nil
}

// ClearAttrs clears the requested subset of the accessed/dirty bits of the
// mapping at va, e.g. so a reference-tracking scan can reset them before
// the next sampling interval. A shootdown follows, since a CPU could
// otherwise set its cached copy of the bit again via the same stale TLB
// entry it used to set it the first time.
func (p *Pmap) ClearAttrs(cpuID int, va uintptr, accessed, dirty bool) *kernel.Error {
	if err := validateVA(va); err != nil {
		return err
	}

	p.mu.Lock()
	res := walk(arenaTables{arena: p.arena}, p.root, va)
	if !res.Present {
		p.mu.Unlock()
		return ErrNotMapped
	}

	var clear PTEFlag
	if accessed {
		clear |= FlagAccessed
	}
	if dirty {
		clear |= FlagDirty
	}
	res.Entry.clearFlags(clear)
	p.mu.Unlock()

	shootdown(p, cpuID, va, 1)
	return nil
}

// EnterRange maps count consecutive pages starting at va to count
// consecutive frames starting at frame, with uniform protection/caching
// attributes. It is a bulk convenience built on Enter, not a distinct
// algorithm: it calls Enter once per page, so the pmap lock is taken and
// any shootdown is issued once per page, and it stops at the first error,
// leaving the pages already entered mapped.
func (p *Pmap) EnterRange(cpuID int, va uintptr, frame mm.Frame, count int, prot Prot, cache CacheMode, wired, canFail bool) *kernel.Error {
	for i := 0; i < count; i++ {
		off := uintptr(i) * mm.PageSize
		if err := p.Enter(cpuID, va+off, frame+mm.Frame(i), prot, cache, wired, canFail); err != nil {
			return err
		}
	}
	return nil
}

// PageRemove unmaps every alias of frame across every pmap that currently
// maps it, draining the frame's reverse-map chain until empty. This is the
// upper layer's hook for reclaiming a physical page out from under
// whichever address spaces happen to share it (copy-on-write fault-in,
// page-out, or simply freeing a page whose owner no longer needs it).
//
// Walks the pv chain using the drop-and-retry pattern pvStore.forEach
// documents: forEach already releases the per-frame lock before invoking
// the callback, so the callback is free to take the aliasing pmap's own
// lock. Once that lock is held, the callback re-walks to the leaf and
// verifies it still points at frame before touching anything — a
// concurrent PageRemove or Remove may have already won the race for this
// exact (pmap, va) pair. The outer loop repeats until the chain is
// observed empty, so a pv entry added by a concurrent Enter while this
// call was already in flight is not missed.
func PageRemove(cpuID int, frame mm.Frame) {
	for !reverseMap.empty(frame) {
		reverseMap.forEach(frame, func(p *Pmap, va uintptr) bool {
			p.mu.Lock()
			res := walk(arenaTables{arena: p.arena}, p.root, va)
			if !res.Present || mm.FrameFromAddress(res.Entry.frameAddr()) != frame {
				p.mu.Unlock()
				return true
			}

			wasWired := res.Entry.hasFlags(FlagWired)
			*res.Entry = 0
			p.resident--
			if wasWired {
				p.wired--
			}

			var deferred []mm.Frame
			if err := p.release(va, &deferred); err != nil {
				p.mu.Unlock()
				fatal("page_remove: release found no mapping for a pv-tracked alias", logrus.Fields{"va": va, "frame": frame})
			}
			p.mu.Unlock()

			reverseMap.detach(frame, p, va)
			shootdown(p, cpuID, va, 1)

			for _, f := range deferred {
				if err := p.alloc.FreeFrame(f); err != nil {
					log.WithError(err).WithField("frame", f).Warn("pmap: failed to free reclaimed page-table frame")
				}
			}
			return true
		})
	}
}
