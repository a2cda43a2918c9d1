package emu

import (
	"unsafe"

	"limeos/kernel/mm"
)

// Page table entry bits understood by the emulated MMU.
const (
	ptePresent  = uint64(1 << 0)
	pteRW       = uint64(1 << 1)
	pteUser     = uint64(1 << 2)
	pteHuge     = uint64(1 << 7)
	pteNX       = uint64(1 << 63)
	pteAddrMask = uint64(0x000ffffffffff000)

	hugePageSize = 2 * uintptr(mm.Mb)
)

var levelShifts = [4]uint{39, 30, 21, 12}

// table returns the page table stored at physical address phys.
func (m *Machine) table(phys uintptr) *[512]uint64 {
	return (*[512]uint64)(unsafe.Pointer(m.dm.PhysToVirt(phys)))
}

// loaderAllocator hands out zeroed frames from the boot loader's own
// reclaimable area.
type loaderAllocator struct {
	m         *Machine
	next, end uintptr
}

func (a *loaderAllocator) alloc() uintptr {
	if a.next >= a.end {
		// loaderTablePages sizes the area for the worst case.
		panic("emu: boot loader ran out of page table frames")
	}
	frame := a.next
	a.next += mm.PageSize
	clear(a.m.table(frame)[:])
	return frame
}

// mapLoaderPage installs a mapping the way the boot loader does. level is 3
// for a 4KiB leaf and 2 for a 2MiB leaf.
func (m *Machine) mapLoaderPage(a *loaderAllocator, root, phys, virt uintptr, flags uint64, leafLevel int) {
	table := m.table(root)
	for level := 0; level < leafLevel; level++ {
		index := (virt >> levelShifts[level]) & 511
		if table[index]&ptePresent == 0 {
			table[index] = uint64(a.alloc()) | ptePresent | pteRW
		}
		table = m.table(uintptr(table[index] & pteAddrMask))
	}

	leaf := uint64(phys) | flags | ptePresent
	if leafLevel != 3 {
		leaf |= pteHuge
	}
	table[(virt>>levelShifts[leafLevel])&511] = leaf
}

// Translate walks the page tables rooted at rootPhys the way the MMU does.
// It reports the physical address and whether the whole path is writable.
func (m *Machine) Translate(rootPhys, virt uintptr) (phys uintptr, writable, ok bool) {
	phys, writable, _, ok = m.walk(rootPhys, virt)
	return phys, writable, ok
}

// Executable reports whether virt is mapped without NX anywhere on its path.
func (m *Machine) Executable(rootPhys, virt uintptr) bool {
	_, _, executable, ok := m.walk(rootPhys, virt)
	return ok && executable
}

func (m *Machine) walk(rootPhys, virt uintptr) (phys uintptr, writable, executable, ok bool) {
	rootPhys = uintptr(uint64(rootPhys) & pteAddrMask)
	if rootPhys >= m.layout.memorySize {
		return 0, false, false, false
	}
	table := m.table(rootPhys)
	writable, executable = true, true

	for level := 0; level < 4; level++ {
		entry := table[(virt>>levelShifts[level])&511]
		if entry&ptePresent == 0 {
			return 0, false, false, false
		}
		writable = writable && entry&pteRW != 0
		executable = executable && entry&pteNX == 0

		if level == 3 || (level > 0 && entry&pteHuge != 0) {
			mask := uintptr(1)<<levelShifts[level] - 1
			return uintptr(entry&pteAddrMask)&^mask | virt&mask, writable, executable, true
		}
		next := uintptr(entry & pteAddrMask)
		if next >= m.layout.memorySize {
			return 0, false, false, false
		}
		table = m.table(next)
	}

	return 0, false, false, false
}
