package vmm

import (
	"testing"
	"unsafe"

	"limeos/kernel/mm"
)

func TestMapKernelHeap(t *testing.T) {
	machine := newTestMachine(1 * mm.Mb)
	ops := &recordingOps{}
	mgr := NewManager(machine.dm, machine, ops)

	// Dirty the buffer so zeroing is observable.
	for i := range machine.mem {
		machine.mem[i] = 0xdeadbeefdeadbeef
	}
	space, err := NewAddressSpace(mgr)
	if err != nil {
		t.Fatal(err)
	}

	const (
		heapBase = uintptr(0x1000000)
		heapSize = 3*mm.PageSize + 1
	)

	if err = MapKernelHeap(space, ops, machine, heapBase+1, mm.Size(heapSize)); err != errHeapMisaligned {
		t.Fatalf("expected errHeapMisaligned; got %v", err)
	}

	if err = MapKernelHeap(space, ops, machine, heapBase, mm.Size(heapSize)); err != nil {
		t.Fatal(err)
	}

	for page := uintptr(0); page < 4; page++ {
		virt := heapBase + page*mm.PageSize
		phys, flags, err := mgr.translate(space.Root(), virt)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if exp := FlagPresent | FlagRW | FlagNoExecute; flags != exp {
			t.Errorf("page %d: expected flags 0x%x; got 0x%x", page, exp, flags)
		}

		contents := (*[mm.PageSize]byte)(unsafe.Pointer(machine.dm.PhysToVirt(phys)))
		for offset, b := range contents {
			if b != 0 {
				t.Fatalf("page %d: expected zeroed frame; byte %d is 0x%x", page, offset, b)
			}
		}
	}

	if _, err = space.FindPhysicalAddress(heapBase + 4*mm.PageSize); err != ErrInvalidMapping {
		t.Fatalf("expected heap to end after 4 pages; got %v", err)
	}
}
