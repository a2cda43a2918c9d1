package vmm

// PageTable is one level of the 4-level translation hierarchy. Tables are
// page sized and page aligned.
type PageTable [entriesPerTable]PageTableEntry

// tableIndices splits virtAddr into the entry index used at each level,
// starting with the root table. The levels consume bits 47:39, 38:30, 29:21
// and 20:12.
func tableIndices(virtAddr uintptr) [pageLevels]uintptr {
	var indices [pageLevels]uintptr
	for level := 0; level < pageLevels; level++ {
		indices[level] = (virtAddr >> levelShift(level)) & (entriesPerTable - 1)
	}
	return indices
}

// levelPageSize returns the size of the region mapped by a single entry at
// the given level (0 = root).
func levelPageSize(level int) uintptr {
	return uintptr(1) << levelShift(level)
}
