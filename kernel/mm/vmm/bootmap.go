package vmm

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/kfmt"
	"limeos/kernel/mm"
)

var (
	// ErrSwitchFault is returned when activating the new address space
	// would leave code or data currently in use unmapped. CR3 is left
	// untouched.
	ErrSwitchFault = &kernel.Error{Module: "vmm", Message: "fault during address space switch: live address not mapped by the new page tables"}

	errNoInitrd = &kernel.Error{Module: "vmm", Message: "boot mapping requires an initrd module"}
)

// Permissions used for the boot mappings.
const (
	identityFlags  = FlagPresent | FlagRW
	directMapFlags = FlagPresent | FlagRW | FlagNoExecute
	initrdFlags    = FlagPresent | FlagRW | FlagNoExecute
	kernelROFlags  = FlagPresent
	kernelRWFlags  = FlagPresent | FlagRW | FlagNoExecute
)

// BootMapping describes what the kernel's permanent address space must
// contain.
type BootMapping struct {
	// LowMemorySize is the size of the physical range starting at 0 that
	// is identity mapped and also mapped at the direct map offset.
	LowMemorySize uintptr

	// PhysicalTop extends the direct map when physical memory tracked by
	// the allocator reaches above LowMemorySize.
	PhysicalTop uintptr

	// Initrd is the module mapped at its existing direct map address.
	Initrd *bootinfo.Module

	// Sections are the running kernel image ranges.
	Sections bootinfo.KernelSections

	// LiveAddrs are addresses that are in use while the switch happens,
	// typically the current instruction and stack pointers. Each must
	// translate to the same frame in both address spaces without losing
	// write or execute permission.
	LiveAddrs []uintptr
}

// BootMapper builds the kernel's permanent address space and switches the
// boot processor to it.
type BootMapper struct {
	mgr *Manager
	ops cpu.Ops
}

// NewBootMapper returns a BootMapper that allocates tables through mgr and
// switches the core described by ops.
func NewBootMapper(mgr *Manager, ops cpu.Ops) *BootMapper {
	return &BootMapper{mgr: mgr.On(ops), ops: ops}
}

// Map builds a fresh hierarchy in the following order and then loads it into
// CR3:
//
//  1. an empty root table
//  2. the initrd at its current direct map address
//  3. the identity map of low memory and its direct map alias
//  4. the kernel sections, resolved through the boot loader's tables
//
// Interrupts stay masked for the whole sequence. If any live address would
// not survive the switch, ErrSwitchFault is returned and the boot loader's
// tables stay active.
func (b *BootMapper) Map(mapping BootMapping) (*AddressSpace, *kernel.Error) {
	if mapping.Initrd == nil {
		return nil, errNoInitrd
	}

	var (
		space *AddressSpace
		err   *kernel.Error
	)

	cpu.WithInterruptsDisabled(b.ops, func() {
		oldSpace := AddressSpaceAt(b.mgr, b.ops.ActivePDT())

		if space, err = NewAddressSpace(b.mgr); err != nil {
			return
		}

		if err = b.mapInitrd(space.Root(), mapping.Initrd); err != nil {
			return
		}

		if err = b.mapLowMemory(space.Root(), mapping.LowMemorySize, mapping.PhysicalTop); err != nil {
			return
		}

		if err = b.mapKernelSections(oldSpace.Root(), space.Root(), mapping.Sections); err != nil {
			return
		}

		if err = b.checkLiveAddrs(oldSpace.Root(), space.Root(), mapping.LiveAddrs); err != nil {
			return
		}

		space.Activate(b.ops)
	})

	if err != nil {
		return nil, err
	}

	kfmt.Printf("[vmm] kernel address space active, root at 0x%x\n", space.PhysAddr())
	return space, nil
}

func (b *BootMapper) mapInitrd(root *PageTable, initrd *bootinfo.Module) *kernel.Error {
	var (
		dm    = b.mgr.DirectMap()
		start = mm.AlignDown(initrd.Address, mm.PageSize)
		end   = mm.AlignUp(initrd.Address+uintptr(initrd.Size), mm.PageSize)
	)

	for virt := start; virt < end; virt += mm.PageSize {
		if err := b.mgr.MapPage(root, dm.VirtToPhys(virt), virt, initrdFlags); err != nil {
			return err
		}
	}

	return nil
}

func (b *BootMapper) mapLowMemory(root *PageTable, lowMemorySize, physicalTop uintptr) *kernel.Error {
	dm := b.mgr.DirectMap()
	lowMemorySize = mm.AlignUp(lowMemorySize, mm.PageSize)

	for phys := uintptr(0); phys < lowMemorySize; phys += mm.PageSize {
		if err := b.mgr.MapPage(root, phys, phys, identityFlags); err != nil {
			return err
		}

		if err := b.mgr.MapPage(root, phys, dm.PhysToVirt(phys), directMapFlags); err != nil {
			return err
		}
	}

	for phys := lowMemorySize; phys < mm.AlignUp(physicalTop, mm.PageSize); phys += mm.PageSize {
		if err := b.mgr.MapPage(root, phys, dm.PhysToVirt(phys), directMapFlags); err != nil {
			return err
		}
	}

	return nil
}

func (b *BootMapper) mapKernelSections(oldRoot, root *PageTable, sections bootinfo.KernelSections) *kernel.Error {
	specs := []struct {
		section bootinfo.Range
		flags   PageTableEntryFlag
	}{
		{sections.ReadOnly, kernelROFlags},
		{sections.Writable, kernelRWFlags},
		{sections.Requests, kernelRWFlags},
	}

	for _, spec := range specs {
		for virt := mm.AlignDown(spec.section.Start, mm.PageSize); virt < spec.section.End; virt += mm.PageSize {
			phys, err := b.mgr.FindPhysicalAddress(oldRoot, virt)
			if err != nil {
				return err
			}

			if err = b.mgr.MapPage(root, phys, virt, spec.flags); err != nil {
				return err
			}
		}
	}

	return nil
}

func (b *BootMapper) checkLiveAddrs(oldRoot, root *PageTable, liveAddrs []uintptr) *kernel.Error {
	for _, addr := range liveAddrs {
		oldPhys, oldFlags, err := b.mgr.translate(oldRoot, addr)
		if err != nil {
			// Not mapped now; nothing to preserve.
			continue
		}

		newPhys, newFlags, err := b.mgr.translate(root, addr)
		switch {
		case err != nil,
			newPhys != oldPhys,
			oldFlags&FlagRW != 0 && newFlags&FlagRW == 0,
			oldFlags&FlagNoExecute == 0 && newFlags&FlagNoExecute != 0:
			kfmt.Printf("[vmm] live address 0x%16x would not survive the switch\n", addr)
			return ErrSwitchFault
		}
	}

	return nil
}
