package vmm

import "limeos/kernel/mm"

const (
	// pageLevels is the depth of the hierarchy: PML4, PDPT, PD and PT.
	pageLevels = 4

	// indexBits is the number of virtual address bits each level consumes.
	indexBits = 9

	entriesPerTable = 1 << indexBits

	// ptePhysPageMask selects bits 12-51 of an entry, the frame address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

// Entry flags. Bits 0-8 are architectural; NX lives in bit 63.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through instead of write-back.
	FlagWriteThroughCaching
	FlagDoNotCache

	// FlagAccessed and FlagDirty are set by the MMU.
	FlagAccessed
	FlagDirty

	// FlagHugePage on a level 1 or level 2 entry maps a 1GiB or 2MiB page
	// instead of pointing to the next table.
	FlagHugePage

	// FlagGlobal keeps the translation cached across CR3 reloads.
	FlagGlobal

	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// tableEntryFlags is the subset of flags that intermediate entries inherit
// from the mapping request that created them.
const tableEntryFlags = FlagPresent | FlagRW | FlagUserAccessible

// levelShift returns the position of the lowest virtual address bit consumed
// at level (0 = root): 39, 30, 21 and 12.
func levelShift(level int) uintptr {
	return mm.PageShift + uintptr(pageLevels-1-level)*indexBits
}
