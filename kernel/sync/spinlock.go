// Package sync provides synchronization primitive implementations for
// spinlocks. The pmap layer's lock order requires the
// innermost lock — the per-frame pv-chain mutex — to have the shortest
// possible critical sections and to never block on allocation, which rules
// out sync.Mutex's cooperative parking in favor of a busy-wait lock.
package sync

import (
	"sync/atomic"

	"pmap/kernel/cpu"
)

var (
	// yieldFn is used by tests to avoid burning a full scheduler quantum
	// spinning; it is a plain function variable (not inlined away) so
	// tests can substitute runtime.Gosched.
	yieldFn = cpu.Pause
)

// attemptsBeforeYielding bounds how many times Acquire spins on the atomic
// swap before cooperatively yielding the goroutine.
const attemptsBeforeYielding = 1000

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := 0; ; attempt++ {
		if atomic.SwapUint32(&l.state, 1) == 0 {
			return
		}
		if attempt >= attemptsBeforeYielding {
			attempt = 0
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
