// Package pmap implements the machine-dependent physical map layer: the
// address-space object, its page-table-page lifecycle, the reverse-map
// (pv) store, the mapping operations built on top of them, and the TLB
// shootdown coordinator that keeps every CPU's view of a pmap consistent.
// Generalized from a single always-active kernel address space to a
// create/reference/destroy model supporting many concurrent address spaces.
package pmap

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"pmap/kernel"
	"pmap/kernel/cpu"
	"pmap/kernel/mm"
)

var log = logrus.WithField("component", "pmap")

// Kind distinguishes the normal (process/kernel) paging regime from the
// extended/nested regime used for guest address spaces.
type Kind uint8

const (
	// KindNormal is an ordinary 4-level amd64 address space.
	KindNormal Kind = iota
	// KindExtended is a 3-level nested/EPT-style address space with its
	// own leaf encoding (entry_ept.go) and no pv-tracking or TLB
	// shootdown participation.
	KindExtended
)

var (
	errNoMem = &kernel.Error{Module: "pmap", Message: "out of physical frames"}
)

// ptpInfo tracks the live entry count of one non-leaf page-table page so
// the PTP manager (ptp.go) knows when it can be reclaimed, the same role
// the wire_count field plays per page-table page in a BSD-style pmap_t.
type ptpInfo struct {
	frame     mm.Frame
	wireCount uint16
}

// Pmap is one machine address space: a root page-table frame, the set of
// intermediate page-table pages hanging off it, and the bookkeeping needed
// to keep every CPU it is loaded on, and the reverse-map store, consistent
// with its contents.
type Pmap struct {
	mu sync.Mutex // pmap-level lock; may block, unlike the per-frame spinlock.

	kind Kind

	arena *mm.Arena
	alloc mm.FrameAllocator

	root mm.Frame

	// shadowRoot is a second top-level table used for meltdown-class
	// kernel isolation: user mode runs with shadowRoot active, which
	// maps only the minimal trampoline plus all user entries; root is
	// restored on entry to kernel mode. Invalid (mm.InvalidFrame) when
	// isolation is not in effect for this pmap.
	shadowRoot mm.Frame

	ptps map[mm.Frame]*ptpInfo

	residency uint64 // atomic bitmask: bit i set => loaded on logical CPU i

	resident uint32 // resident (mapped) leaf page count
	wired    uint32 // of which, wired (Unwire's target)

	refCount int32

	// hintVA/hintPTP/hintOK are reserved for a single-entry, per-pmap
	// cache of the most recently touched leaf PTP. No operation reads or
	// sets them: acquire and walk always descend from the root, and
	// invalidateHint (called by Convert) only clears hintOK.
	hintVA  uintptr
	hintPTP mm.Frame
	hintOK  bool
}

// kernelPmap is the single always-resident kernel address space returned
// by Kernel. GrowKernel (grow.go) copies the top-level entries it creates
// in the kernel pmap it is given into every user pmap registered at that
// moment. A new pmap starts with an empty root: kernel-half top-level
// entries that already exist when it is created are not copied into it.
var (
	kernelPmapOnce sync.Once
	kernelPmap     *Pmap

	userPmapsMu sync.Mutex // global user-pmap list lock (outer lock in the lock order)
	userPmaps   = map[*Pmap]struct{}{}
)

// NewNormal creates a normal (process or kernel) address space backed by
// arena, drawing its page-table pages from alloc. Split into its own
// constructor so more than one pmap can exist at a time.
func NewNormal(arena *mm.Arena, alloc mm.FrameAllocator) (*Pmap, *kernel.Error) {
	return newPmap(KindNormal, arena, alloc)
}

// NewExtended creates an extended/nested address space (ept.go). It never
// participates in pv-tracking or TLB shootdown.
func NewExtended(arena *mm.Arena, alloc mm.FrameAllocator) (*Pmap, *kernel.Error) {
	return newPmap(KindExtended, arena, alloc)
}

// NewNormalWithShadow creates a normal address space the same way NewNormal
// does, then allocates and installs a shadow (kernel-isolating) root: the
// second top-level table EnterSpecial (special.go) installs into, and that
// acquire/release (ptp.go) keep mirrored with the user half of the main
// root as it grows and shrinks. A pmap created with plain NewNormal has no
// shadow root and panics if EnterSpecial is ever called on it.
func NewNormalWithShadow(arena *mm.Arena, alloc mm.FrameAllocator) (*Pmap, *kernel.Error) {
	p, err := newPmap(KindNormal, arena, alloc)
	if err != nil {
		return nil, err
	}

	shadow, aerr := alloc.AllocFrame()
	if aerr != nil {
		p.destroy()
		return nil, errNoMem
	}
	p.shadowRoot = shadow
	return p, nil
}

func newPmap(kind Kind, arena *mm.Arena, alloc mm.FrameAllocator) (*Pmap, *kernel.Error) {
	root, err := alloc.AllocFrame()
	if err != nil {
		return nil, errNoMem
	}
	p := &Pmap{
		kind:       kind,
		arena:      arena,
		alloc:      alloc,
		root:       root,
		shadowRoot: mm.InvalidFrame,
		ptps:       map[mm.Frame]*ptpInfo{root: {frame: root, wireCount: 0}},
		refCount:   1,
	}
	return p, nil
}

// Reference increments the pmap's reference count. A pmap is destroyed
// only once its last reference drops.
func (p *Pmap) Reference() {
	atomic.AddInt32(&p.refCount, 1)
}

// Release drops a reference, destroying the pmap once the count reaches
// zero. destroy takes the global user-pmap list lock (to unregister p)
// before p.mu, never while holding it.
func (p *Pmap) Release() *kernel.Error {
	if atomic.AddInt32(&p.refCount, -1) > 0 {
		return nil
	}
	return p.destroy()
}

func (p *Pmap) destroy() *kernel.Error {
	if mask := p.ResidencyMask(); mask != 0 {
		fatal("destroy: pmap is still loaded on a CPU", logrus.Fields{"residency": mask})
	}

	// The list lock is the outer lock (GrowKernel holds it while taking
	// each user pmap's mu), so leave the list before taking p.mu.
	Unregister(p)

	p.mu.Lock()
	defer p.mu.Unlock()

	for frame := range p.ptps {
		if frame == p.shadowRoot {
			// freed below; EnterSpecial's bookkeeping can add a record for it.
			continue
		}
		if err := p.alloc.FreeFrame(frame); err != nil {
			log.WithError(err).WithField("frame", frame).Warn("pmap: leaked page-table frame on destroy")
		}
	}
	p.ptps = nil

	if p.shadowRoot.Valid() {
		if err := p.alloc.FreeFrame(p.shadowRoot); err != nil {
			log.WithError(err).WithField("frame", p.shadowRoot).Warn("pmap: leaked shadow root frame on destroy")
		}
		p.shadowRoot = mm.InvalidFrame
	}
	return nil
}

// Register adds p to the global list of user pmaps that GrowKernel
// (grow.go) threads new kernel top-level entries into. The kernel pmap
// itself is never registered.
func Register(p *Pmap) {
	userPmapsMu.Lock()
	defer userPmapsMu.Unlock()
	userPmaps[p] = struct{}{}
}

// Unregister removes p from the global user-pmap list.
func Unregister(p *Pmap) {
	userPmapsMu.Lock()
	defer userPmapsMu.Unlock()
	delete(userPmaps, p)
}

// Kernel returns the singleton kernel address space, creating it on first
// use with the supplied arena/allocator. Later calls ignore their
// arguments and return the existing instance: there is exactly one kernel
// pmap per boot.
func Kernel(arena *mm.Arena, alloc mm.FrameAllocator) *Pmap {
	kernelPmapOnce.Do(func() {
		p, err := NewNormal(arena, alloc)
		if err != nil {
			log.WithError(err).Fatal("pmap: failed to create kernel address space")
		}
		kernelPmap = p
	})
	return kernelPmap
}

// Activate loads p's root into logical CPU id's root-page-table register
// and marks the CPU resident in p, so the shootdown coordinator's "CPUs
// this pmap is loaded on" set stays accurate. When p carries a shadow root
// (kernel-isolation mode), Activate loads the
// shadow; callers that need the unshadowed root for kernel-mode execution
// use ActivateDirect.
func (p *Pmap) Activate(cpuID int) {
	root := p.root
	if p.shadowRoot.Valid() {
		root = p.shadowRoot
	}
	cpu.LoadRoot(cpuID, root.Address())
	p.markResident(cpuID)
}

// ActivateDirect loads the unshadowed root, for kernel-mode execution on a
// pmap that carries a shadow root for user mode.
func (p *Pmap) ActivateDirect(cpuID int) {
	cpu.LoadRoot(cpuID, p.root.Address())
	p.markResident(cpuID)
}

// Deactivate clears cpuID's residency bit without touching its currently
// loaded root (used when a CPU is switching to a different pmap, which
// will mark its own residency bit via Activate).
func (p *Pmap) Deactivate(cpuID int) {
	for {
		old := atomic.LoadUint64(&p.residency)
		next := old &^ (1 << uint(cpuID))
		if atomic.CompareAndSwapUint64(&p.residency, old, next) {
			return
		}
	}
}

func (p *Pmap) markResident(cpuID int) {
	for {
		old := atomic.LoadUint64(&p.residency)
		next := old | (1 << uint(cpuID))
		if atomic.CompareAndSwapUint64(&p.residency, old, next) {
			return
		}
	}
}

// ResidencyMask returns the bitmask of logical CPUs p is currently loaded
// on: the set the shootdown coordinator must deliver invalidations to.
func (p *Pmap) ResidencyMask() uint64 {
	return atomic.LoadUint64(&p.residency)
}

// Stats reports the resident and wired leaf-page counts that the mapping
// operations (map.go) maintain as they map and unmap pages. Both counters
// are only ever touched while p.mu is held, the same lock Stats takes.
func (p *Pmap) Stats() (resident, wired uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident, p.wired
}

func (p *Pmap) tableAt(f mm.Frame) *table {
	return (*table)(p.arena.Dmap(f))
}

func (p *Pmap) invalidateHint() {
	p.hintOK = false
}
