package vmm

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/mm"
)

var errHeapMisaligned = &kernel.Error{Module: "vmm", Message: "heap base must be page-aligned"}

// heapFlags maps the kernel heap as writable, non-executable data.
const heapFlags = FlagPresent | FlagRW | FlagNoExecute

// MapKernelHeap backs [base, base+size) in space with freshly allocated,
// zeroed frames. size is rounded up to a whole number of pages. Interrupts
// stay masked on the core described by ops until the whole range is mapped.
func MapKernelHeap(space *AddressSpace, ops cpu.Ops, alloc FrameAllocator, base uintptr, size mm.Size) *kernel.Error {
	if base&(mm.PageSize-1) != 0 {
		return errHeapMisaligned
	}

	var err *kernel.Error
	cpu.WithInterruptsDisabled(ops, func() {
		err = mapHeapPages(space, ops, alloc, base, mm.PagesFor(uintptr(size)))
	})
	return err
}

func mapHeapPages(space *AddressSpace, ops cpu.Ops, alloc FrameAllocator, base, pages uintptr) *kernel.Error {
	dm := space.Manager().DirectMap()
	for page := uintptr(0); page < pages; page++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return err
		}

		kernel.Memset(dm.PhysToVirt(frame.Address()), 0, mm.PageSize)
		if err = space.MapPage(ops, frame.Address(), base+page*mm.PageSize, heapFlags); err != nil {
			return err
		}
	}

	return nil
}
