package mm

// DirectMap converts between physical addresses and their aliases inside the
// higher-half direct map set up by the boot loader. The offset is supplied by
// the boot protocol and never changes after boot; conversions are pure
// arithmetic.
type DirectMap struct {
	offset uintptr
}

// NewDirectMap returns a DirectMap for the given direct-map offset.
func NewDirectMap(offset uintptr) DirectMap {
	return DirectMap{offset: offset}
}

// Offset returns the virtual address at which physical address 0 is mapped.
func (dm DirectMap) Offset() uintptr {
	return dm.offset
}

// PhysToVirt returns the direct-map virtual address for physAddr.
func (dm DirectMap) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + dm.offset
}

// VirtToPhys returns the physical address backing a direct-map virtual
// address.
func (dm DirectMap) VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - dm.offset
}

// PhysToKernelCode returns the address of physAddr inside the kernel image
// window at KernelCodeOffset.
func (dm DirectMap) PhysToKernelCode(physAddr uintptr) uintptr {
	return physAddr + KernelCodeOffset
}
