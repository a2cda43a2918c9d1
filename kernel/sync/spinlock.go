// Package sync provides synchronization primitive implementations for
// spinlocks.
package sync

import "sync/atomic"

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set) before spinning again.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire while the lock is contended. It stays
	// nil on bare metal where there is nothing to yield to.
	yieldFn func()
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active core.
// Any attempt to re-acquire a lock already held by the current core will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other cores to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// SetYieldHandler registers fn as the operation busy-wait loops invoke while
// they wait. Hosted builds use it to hand the OS thread back to the Go
// scheduler.
func SetYieldHandler(fn func()) {
	yieldFn = fn
}

// SpinUntil busy-waits until cond returns true.
func SpinUntil(cond func() bool) {
	for attempts := uint32(0); !cond(); attempts++ {
		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
