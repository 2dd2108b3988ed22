package pmap

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pmap/kernel/cpu"
)

// shootGroup collapses concurrent shootdown requests that target the same
// (pmap, address range) into a single in-flight operation: if three
// goroutines unmap the same page at once, only one of them actually pokes
// every peer CPU, and the other two simply wait on its result. This plays
// the role a single CAS-guarded "shoot state" word plus an expected_acks
// counter would in a bare-metal kernel — singleflight.Group provides the
// become-leader step and the followers waiting on the leader's result, but
// only per key: shootdowns with different keys (another pmap or range) run
// concurrently and are not serialized against each other.
var shootGroup singleflight.Group

// shootdownKey identifies a coalescable shootdown request.
func shootdownKey(p *Pmap, va uintptr, pageCount int) string {
	return fmt.Sprintf("%p:%x:%d", p, va, pageCount)
}

// shootdown invalidates [va, va+pageCount*PageSize) on every CPU p is
// currently loaded on other than the caller's own, and on the caller's CPU
// directly. It fans the invalidation out to every target CPU concurrently
// and blocks until all of them have observed it — the wait() barrier a
// real shootdown needs before the calling thread can safely recycle the
// physical frame or page-table page that used to back that range.
//
// Adapted conceptually from the IPI-broadcast-then-spin-on-acks shootdown
// every SMP pmap implementation performs; modeled here with
// golang.org/x/sync/errgroup for the fan-out/wait-group pair instead of an
// IPI vector and a spinning ack counter, since there is no interrupt
// controller to program in a hosted library.
func shootdown(p *Pmap, selfCPU int, va uintptr, pageCount int) {
	_, _, _ = shootGroup.Do(shootdownKey(p, va, pageCount), func() (interface{}, error) {
		mask := p.ResidencyMask() & cpu.RunningMask() &^ (1 << uint(selfCPU))

		var eg errgroup.Group
		for id := 0; id < cpu.NumCPU(); id++ {
			id := id
			if mask&(1<<uint(id)) == 0 {
				continue
			}
			eg.Go(func() error {
				cpu.FlushTLBRange(id, va, pageCount)
				return nil
			})
		}
		_ = eg.Wait()
		return nil, nil
	})

	// The calling CPU is always flushed directly: it may not be marked
	// resident yet (e.g. the very first Enter into a pmap it is about to
	// activate), but it is about to observe the mapping either way.
	cpu.FlushTLBRange(selfCPU, va, pageCount)
}

// shootdownAll invalidates every translation for p on every CPU it is
// loaded on. Used by Convert (special.go), which discards every mapping
// of p at once.
func shootdownAll(p *Pmap, selfCPU int) {
	_, _, _ = shootGroup.Do(shootdownKey(p, 0, -1), func() (interface{}, error) {
		mask := p.ResidencyMask() & cpu.RunningMask()

		var eg errgroup.Group
		for id := 0; id < cpu.NumCPU(); id++ {
			id := id
			if mask&(1<<uint(id)) == 0 {
				continue
			}
			eg.Go(func() error {
				cpu.FlushTLBAll(id)
				return nil
			})
		}
		_ = eg.Wait()
		return nil, nil
	})
	cpu.FlushTLBAll(selfCPU)
}
