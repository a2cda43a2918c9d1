package vmm

import (
	"sync"
	"testing"

	"limeos/kernel"
	"limeos/kernel/mm"
)

func TestAddressSpace(t *testing.T) {
	machine := newTestMachine(2 * mm.Mb)
	ops := &recordingOps{}
	mgr := NewManager(machine.dm, machine, ops)

	space, err := NewAddressSpace(mgr)
	if err != nil {
		t.Fatal(err)
	}

	if mgr.TableAt(space.PhysAddr()) != space.Root() {
		t.Fatal("expected root table to be reachable through the direct map")
	}
	if space.IsActive(ops) {
		t.Fatal("expected new address space to be inactive")
	}

	if err = space.MapPage(ops, 0x7000, 0xffffffff80007000, FlagPresent); err != nil {
		t.Fatal(err)
	}
	if got, err := space.FindPhysicalAddress(0xffffffff80007010); err != nil || got != 0x7010 {
		t.Fatalf("expected translation to 0x7010; got 0x%x, %v", got, err)
	}

	space.Activate(ops)
	if ops.cr3 != space.PhysAddr() || !space.IsActive(ops) {
		t.Fatalf("expected CR3 to hold 0x%x; got 0x%x", space.PhysAddr(), ops.cr3)
	}

	// Wrapping the active root yields the same hierarchy.
	same := AddressSpaceAt(mgr, ops.ActivePDT()|0x18)
	if same.Root() != space.Root() {
		t.Fatal("expected AddressSpaceAt to ignore CR3 flag bits")
	}

	if err = space.Unmap(ops, 0xffffffff80007000); err != nil {
		t.Fatal(err)
	}
	if _, err = same.FindPhysicalAddress(0xffffffff80007000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestAddressSpaceMasksInterrupts(t *testing.T) {
	machine := newTestMachine(2 * mm.Mb)
	ops := &interruptOps{enabled: true}
	mgr := NewManager(machine.dm, machine, ops)

	space, err := NewAddressSpace(mgr)
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		name string
		fn   func() *kernel.Error
	}{
		{"MapPage", func() *kernel.Error { return space.MapPage(ops, 0x7000, 0x400000, FlagPresent|FlagRW) }},
		{"MapRegion", func() *kernel.Error {
			return space.MapRegion(ops, 0x10000, 0x800000, mm.Size(3*mm.PageSize), FlagPresent)
		}},
		{"Unmap", func() *kernel.Error { return space.Unmap(ops, 0x400000) }},
		{"MapKernelHeap", func() *kernel.Error {
			return MapKernelHeap(space, ops, machine, 0x1000000, mm.Size(2*mm.PageSize))
		}},
	}

	for _, step := range steps {
		flushed := len(ops.flushed)
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if len(ops.flushed) == flushed {
			t.Fatalf("%s: expected at least one TLB flush", step.name)
		}
		if ops.unmaskedFlushes != 0 {
			t.Fatalf("%s: expected page tables to be edited with interrupts masked; %d flushes ran unmasked", step.name, ops.unmaskedFlushes)
		}
		if !ops.enabled {
			t.Fatalf("%s: expected interrupts to be re-enabled afterwards", step.name)
		}
	}
}

func TestAddressSpaceConcurrentMapping(t *testing.T) {
	machine := newTestMachine(4 * mm.Mb)
	mgr := NewManager(machine.dm, &lockedAllocator{machine: machine}, &recordingOps{})

	space, err := NewAddressSpace(mgr)
	if err != nil {
		t.Fatal(err)
	}

	const (
		workers        = 4
		pagesPerWorker = 64
		base           = uintptr(0xffffc00000000000)
	)

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ops := &recordingOps{}
			for page := 0; page < pagesPerWorker; page++ {
				index := uintptr(worker*pagesPerWorker + page)
				if err := space.MapPage(ops, index*mm.PageSize, base+index*mm.PageSize, FlagPresent|FlagRW); err != nil {
					t.Error(err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	if t.Failed() {
		return
	}

	for index := uintptr(0); index < workers*pagesPerWorker; index++ {
		got, err := space.FindPhysicalAddress(base + index*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		if exp := index * mm.PageSize; got != exp {
			t.Fatalf("expected page %d to map to 0x%x; got 0x%x", index, exp, got)
		}
	}
}

// lockedAllocator guards a testMachine allocator for concurrent use.
type lockedAllocator struct {
	mu      sync.Mutex
	machine *testMachine
}

func (l *lockedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.machine.AllocFrame()
}
