package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			for j := 0; j < 100; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
			wg.Done()
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if exp := numWorkers * 100; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	sl.Release()
}

func TestSpinUntil(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var yields int
	SetYieldHandler(func() { yields++ })

	calls := 0
	SpinUntil(func() bool {
		calls++
		return calls > 3*attemptsBeforeYielding
	})

	if yields == 0 {
		t.Fatal("expected SpinUntil to yield while waiting")
	}
	if exp := 3*attemptsBeforeYielding + 1; calls != exp {
		t.Fatalf("expected cond to be evaluated %d times; got %d", exp, calls)
	}
}
