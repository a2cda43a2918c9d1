package mm

const (
	// PointerShift is log2 of the size of a uintptr.
	PointerShift = uintptr(3)

	// PageShift is log2(PageSize).
	PageShift = uintptr(12)

	// PageSize is the size of a 4-level paging leaf page.
	PageSize = uintptr(1 << PageShift)

	// KernelCodeOffset is the virtual base of the top 2GiB where the boot
	// loader places the kernel image.
	KernelCodeOffset = uintptr(0xffffffff80000000)
)
