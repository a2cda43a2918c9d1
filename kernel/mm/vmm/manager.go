// Package vmm builds and walks the 4-level page table hierarchy. Page tables
// are reached through the boot loader's direct map so any table, active or
// not, can be edited without temporary mappings.
package vmm

import (
	"unsafe"

	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported by the mapper"}
)

// FrameAllocator supplies the physical frames that back new page tables.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
}

// Manager edits page table hierarchies. A Manager is bound to the core whose
// TLB it invalidates; use On to obtain a copy bound to another core.
type Manager struct {
	dm    mm.DirectMap
	alloc FrameAllocator
	ops   cpu.Ops
}

// NewManager returns a Manager that allocates intermediate tables from alloc
// and flushes TLB entries on the core described by ops.
func NewManager(dm mm.DirectMap, alloc FrameAllocator, ops cpu.Ops) *Manager {
	return &Manager{dm: dm, alloc: alloc, ops: ops}
}

// On returns a copy of the manager that flushes TLB entries on ops.
func (m *Manager) On(ops cpu.Ops) *Manager {
	other := *m
	other.ops = ops
	return &other
}

// DirectMap returns the direct map used to reach page tables.
func (m *Manager) DirectMap() mm.DirectMap {
	return m.dm
}

// TableAt returns the page table stored at physical address phys.
func (m *Manager) TableAt(phys uintptr) *PageTable {
	return (*PageTable)(unsafe.Pointer(m.dm.PhysToVirt(phys &^ (mm.PageSize - 1))))
}

// PhysAddrOf returns the physical address of a table reached through the
// direct map.
func (m *Manager) PhysAddrOf(table *PageTable) uintptr {
	return m.dm.VirtToPhys(uintptr(unsafe.Pointer(table)))
}

// NewTable allocates and zeroes a page table.
func (m *Manager) NewTable() (*PageTable, *kernel.Error) {
	frame, err := m.alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	kernel.Memset(m.dm.PhysToVirt(frame.Address()), 0, mm.PageSize)
	return m.TableAt(frame.Address()), nil
}

// FetchOrCreate returns the next-level table referenced by table[index],
// allocating, zeroing and installing a new table if the entry is not
// present. New entries receive the present, writable and user-accessible
// bits found in flags. Repeated calls for the same entry return the same
// table.
func (m *Manager) FetchOrCreate(table *PageTable, index uintptr, flags PageTableEntryFlag) (*PageTable, *kernel.Error) {
	entry := &table[index]
	if entry.HasFlags(FlagPresent) {
		if entry.HasFlags(FlagHugePage) {
			return nil, errNoHugePageSupport
		}
		return m.TableAt(entry.Address()), nil
	}

	next, err := m.NewTable()
	if err != nil {
		return nil, err
	}

	*entry = PageTableEntry(m.PhysAddrOf(next)) | PageTableEntry(flags&tableEntryFlags|FlagPresent)
	return next, nil
}

// MapPage maps the page containing virtAddr to the frame at physAddr using
// the hierarchy rooted at root. The leaf entry is set to physAddr|flags. A
// writable or user-accessible leaf requires the same permission on every
// level above it, so those bits are also set on each ancestor entry. The
// TLB entry for virtAddr is flushed on the manager's core.
func (m *Manager) MapPage(root *PageTable, physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		indices   = tableIndices(virtAddr)
		ancestors [pageLevels - 1]*PageTableEntry
		table     = root
		err       *kernel.Error
	)

	for level := 0; level < pageLevels-1; level++ {
		ancestors[level] = &table[indices[level]]
		if table, err = m.FetchOrCreate(table, indices[level], flags); err != nil {
			return err
		}
	}

	table[indices[pageLevels-1]] = PageTableEntry(physAddr&ptePhysPageMask) | PageTableEntry(flags)

	if inherit := flags & (FlagRW | FlagUserAccessible); inherit != 0 {
		for _, entry := range ancestors {
			entry.SetFlags(inherit)
		}
	}

	m.ops.FlushTLBEntry(virtAddr)
	return nil
}

// MapRegion maps size bytes starting at physAddr to consecutive pages
// starting at virtAddr. Both addresses are rounded down to a page boundary.
func (m *Manager) MapRegion(root *PageTable, physAddr, virtAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	var (
		pageCount = mm.PagesFor(uintptr(size) + (virtAddr & (mm.PageSize - 1)))
		phys      = mm.AlignDown(physAddr, mm.PageSize)
		virt      = mm.AlignDown(virtAddr, mm.PageSize)
	)

	for ; pageCount > 0; pageCount, phys, virt = pageCount-1, phys+mm.PageSize, virt+mm.PageSize {
		if err := m.MapPage(root, phys, virt, flags); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion maps size bytes starting at physAddr to the same virtual
// addresses.
func (m *Manager) IdentityMapRegion(root *PageTable, physAddr uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	return m.MapRegion(root, physAddr, physAddr, size, flags)
}

// Unmap clears the present bit of the leaf entry for virtAddr and flushes
// its TLB entry. Page tables are never released.
func (m *Manager) Unmap(root *PageTable, virtAddr uintptr) *kernel.Error {
	var (
		indices = tableIndices(virtAddr)
		table   = root
	)

	for level := 0; level < pageLevels-1; level++ {
		entry := table[indices[level]]
		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
			return ErrInvalidMapping
		}
		table = m.TableAt(entry.Address())
	}

	leaf := &table[indices[pageLevels-1]]
	if !leaf.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	leaf.ClearFlags(FlagPresent)
	m.ops.FlushTLBEntry(virtAddr)
	return nil
}

// FindPhysicalAddress translates virtAddr using the hierarchy rooted at
// root. No tables are allocated. Huge pages installed by the boot loader
// are honoured.
func (m *Manager) FindPhysicalAddress(root *PageTable, virtAddr uintptr) (uintptr, *kernel.Error) {
	physAddr, _, err := m.translate(root, virtAddr)
	return physAddr, err
}

// translate walks the hierarchy for virtAddr and returns the physical address
// together with the effective permissions of the mapping: FlagRW and
// FlagUserAccessible are only reported if every level grants them, while
// FlagNoExecute is reported if any level sets it.
func (m *Manager) translate(root *PageTable, virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	var (
		indices   = tableIndices(virtAddr)
		table     = root
		effective = FlagRW | FlagUserAccessible
	)

	for level := 0; level < pageLevels; level++ {
		entry := table[indices[level]]
		if !entry.HasFlags(FlagPresent) {
			return 0, 0, ErrInvalidMapping
		}

		effective &= entry.Flags() | FlagNoExecute
		effective |= entry.Flags() & FlagNoExecute

		// Levels 1 and 2 may map 1GiB and 2MiB pages directly.
		if level == pageLevels-1 || (level > 0 && entry.HasFlags(FlagHugePage)) {
			pageMask := levelPageSize(level) - 1
			return (entry.Address() &^ pageMask) | (virtAddr & pageMask), effective | FlagPresent, nil
		}

		table = m.TableAt(entry.Address())
	}

	return 0, 0, ErrInvalidMapping
}
