package vmm

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/mm"
	"limeos/kernel/sync"
)

// AddressSpace owns a page table hierarchy. Once the kernel switches to it,
// the same AddressSpace is shared by every core; mutations are serialized
// by an internal lock.
type AddressSpace struct {
	mu       sync.Spinlock
	mgr      *Manager
	root     *PageTable
	rootPhys uintptr
}

// NewAddressSpace allocates an empty root table.
func NewAddressSpace(mgr *Manager) (*AddressSpace, *kernel.Error) {
	root, err := mgr.NewTable()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{mgr: mgr, root: root, rootPhys: mgr.PhysAddrOf(root)}, nil
}

// AddressSpaceAt wraps an existing hierarchy whose root table lives at
// rootPhys, such as the one the boot loader leaves in CR3.
func AddressSpaceAt(mgr *Manager, rootPhys uintptr) *AddressSpace {
	rootPhys &= ptePhysPageMask
	return &AddressSpace{mgr: mgr, root: mgr.TableAt(rootPhys), rootPhys: rootPhys}
}

// Root returns the root table.
func (as *AddressSpace) Root() *PageTable {
	return as.root
}

// PhysAddr returns the physical address of the root table, the value that
// is loaded into CR3.
func (as *AddressSpace) PhysAddr() uintptr {
	return as.rootPhys
}

// Manager returns the manager used to edit the address space.
func (as *AddressSpace) Manager() *Manager {
	return as.mgr
}

// MapPage maps virtAddr to physAddr and flushes the TLB entry on the core
// described by ops.
func (as *AddressSpace) MapPage(ops cpu.Ops, physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return as.mutate(ops, func(mgr *Manager) *kernel.Error {
		return mgr.MapPage(as.root, physAddr, virtAddr, flags)
	})
}

// MapRegion maps size bytes starting at physAddr to virtAddr.
func (as *AddressSpace) MapRegion(ops cpu.Ops, physAddr, virtAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	return as.mutate(ops, func(mgr *Manager) *kernel.Error {
		return mgr.MapRegion(as.root, physAddr, virtAddr, size, flags)
	})
}

// Unmap removes the mapping for virtAddr.
func (as *AddressSpace) Unmap(ops cpu.Ops, virtAddr uintptr) *kernel.Error {
	return as.mutate(ops, func(mgr *Manager) *kernel.Error {
		return mgr.Unmap(as.root, virtAddr)
	})
}

// mutate runs fn with interrupts masked on the core described by ops and the
// address space lock held.
func (as *AddressSpace) mutate(ops cpu.Ops, fn func(*Manager) *kernel.Error) (err *kernel.Error) {
	cpu.WithInterruptsDisabled(ops, func() {
		as.mu.Acquire()
		defer as.mu.Release()
		err = fn(as.mgr.On(ops))
	})
	return err
}

// FindPhysicalAddress translates virtAddr.
func (as *AddressSpace) FindPhysicalAddress(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.mu.Acquire()
	defer as.mu.Release()
	return as.mgr.FindPhysicalAddress(as.root, virtAddr)
}

// Activate loads the root table into CR3 on the core described by ops.
func (as *AddressSpace) Activate(ops cpu.Ops) {
	ops.SwitchPDT(as.rootPhys)
}

// IsActive reports whether the address space is loaded on the core
// described by ops.
func (as *AddressSpace) IsActive(ops cpu.Ops) bool {
	return ops.ActivePDT()&ptePhysPageMask == as.rootPhys
}
