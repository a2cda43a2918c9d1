// Package pmm implements the physical page allocator. Every physical frame
// below the highest usable address is tracked by one bit in a bitmap that
// lives in physical memory and is accessed through the direct map.
package pmm

import (
	"unsafe"

	"limeos/kernel"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/kfmt"
	"limeos/kernel/mm"
	"limeos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no run of free frames can satisfy
	// an allocation. Callers may recover from it.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errInvalidPageCount = &kernel.Error{Module: "pmm", Message: "page count must be at least 1"}
	errInvalidFreeRange = &kernel.Error{Module: "pmm", Message: "freed range covers the null frame or extends past the tracked memory"}
	errNoUsableMemory   = &kernel.Error{Module: "pmm", Message: "memory map contains no usable memory"}
	errNoBitmapRegion   = &kernel.Error{Module: "pmm", Message: "no usable region is large enough to hold the frame bitmap"}
)

type markAs bool

const (
	markUsed markAs = true
	markFree markAs = false
)

// BitmapAllocator implements a first-fit physical frame allocator. A set bit
// marks an allocated (or unusable) frame; frame 0 is always marked as used so
// that a zero physical address never refers to an allocation.
//
// All methods except Init may be called concurrently from any core.
type BitmapAllocator struct {
	mu sync.Spinlock

	// totalPages is the number of frames covered by the bitmap.
	totalPages uint64

	// usedPages tracks frames marked by Init or handed out by AllocPages.
	// MarkUsed does not update it.
	usedPages uint64

	bitmapPhys  uintptr
	bitmapPages uint64

	// bitmap tracks frames using MSB-first ordering inside each block:
	// frame f maps to bit (63 - f%64) of block f/64.
	bitmap []uint64
}

// Init sizes the bitmap to cover every frame up to the highest usable or
// boot loader reclaimable address, stores it at the base of the first usable
// region that can hold it (skipping the null page) and shrinks that region
// accordingly. All frames start out used; the frames of every usable region
// are then released.
func (alloc *BitmapAllocator) Init(dm mm.DirectMap, memoryMap []bootinfo.MemoryRegion) *kernel.Error {
	var highestAddr uint64
	for index := range memoryMap {
		region := &memoryMap[index]
		if region.Kind != bootinfo.MemUsable && region.Kind != bootinfo.MemBootloaderReclaimable {
			continue
		}

		if end := region.End(); end > highestAddr {
			highestAddr = end
		}
	}

	if highestAddr == 0 {
		return errNoUsableMemory
	}

	alloc.totalPages = uint64(mm.AlignDown(uintptr(highestAddr), mm.PageSize) >> mm.PageShift)
	bitmapBytes := mm.AlignUp(uintptr((alloc.totalPages+7)/8), mm.PageSize)
	alloc.bitmapPages = uint64(bitmapBytes >> mm.PageShift)

	alloc.bitmapPhys = 0
	for index := range memoryMap {
		region := &memoryMap[index]
		if region.Kind != bootinfo.MemUsable {
			continue
		}

		start := mm.AlignUp(uintptr(region.Base), mm.PageSize)
		if start < mm.PageSize {
			start = mm.PageSize
		}
		end := uintptr(region.End())
		if end < start || end-start < bitmapBytes {
			continue
		}

		alloc.bitmapPhys = start
		region.Length = uint64(end - (start + bitmapBytes))
		region.Base = uint64(start + bitmapBytes)
		break
	}

	if alloc.bitmapPhys == 0 {
		return errNoBitmapRegion
	}

	bitmapAddr := dm.PhysToVirt(alloc.bitmapPhys)
	kernel.Memset(bitmapAddr, 0xff, bitmapBytes)
	alloc.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(bitmapAddr)), bitmapBytes>>mm.PointerShift)
	alloc.usedPages = alloc.totalPages

	for index := range memoryMap {
		region := &memoryMap[index]
		if region.Kind != bootinfo.MemUsable {
			continue
		}

		// Partial frames at either end of a region are never handed out.
		startFrame := mm.FrameFromAddress(mm.AlignUp(uintptr(region.Base), mm.PageSize))
		endFrame := mm.FrameFromAddress(uintptr(region.End()))
		if startFrame == 0 {
			startFrame = 1
		}
		if uint64(endFrame) > alloc.totalPages {
			endFrame = mm.Frame(alloc.totalPages)
		}

		for frame := startFrame; frame < endFrame; frame++ {
			if alloc.isUsed(frame) {
				alloc.markFrame(frame, markFree)
				alloc.usedPages--
			}
		}
	}

	// The null page is always reserved.
	alloc.markFrame(0, markUsed)

	return nil
}

// AllocPages reserves the first run of n contiguous free frames and returns
// the physical address of the first one.
func (alloc *BitmapAllocator) AllocPages(n uint64) (uintptr, *kernel.Error) {
	if n == 0 {
		return 0, errInvalidPageCount
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	base, found := alloc.findFreeRun(n)
	if !found {
		return 0, ErrOutOfMemory
	}

	for frame := base; frame < base+mm.Frame(n); frame++ {
		alloc.markFrame(frame, markUsed)
	}
	alloc.usedPages += n

	return base.Address(), nil
}

// findFreeRun returns the first frame of the first run of n clear bits.
func (alloc *BitmapAllocator) findFreeRun(n uint64) (mm.Frame, bool) {
	var (
		runStart mm.Frame
		runLen   uint64
	)

	for frame := mm.Frame(0); uint64(frame) < alloc.totalPages; frame++ {
		// Skip fully allocated blocks when no run is in progress.
		if runLen == 0 && frame%64 == 0 && alloc.bitmap[frame/64] == ^uint64(0) {
			frame += 63
			continue
		}

		if alloc.isUsed(frame) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = frame
		}
		if runLen++; runLen == n {
			return runStart, true
		}
	}

	return mm.InvalidFrame, false
}

// FreePages releases n frames starting at the frame containing base. The
// caller must pass a range it previously allocated; overlapping or double
// frees are not detected.
func (alloc *BitmapAllocator) FreePages(base uintptr, n uint64) *kernel.Error {
	if n == 0 {
		return errInvalidPageCount
	}

	startFrame := mm.FrameFromAddress(base)
	if startFrame == 0 || uint64(startFrame)+n > alloc.totalPages || uint64(startFrame)+n < n {
		return errInvalidFreeRange
	}

	alloc.mu.Acquire()
	for frame := startFrame; frame < startFrame+mm.Frame(n); frame++ {
		alloc.markFrame(frame, markFree)
	}
	alloc.usedPages -= n
	alloc.mu.Release()

	return nil
}

// MarkUsed reserves the frame containing addr without touching the used
// page counter. It is used for frames that were consumed behind the
// allocator's back, such as firmware tables.
func (alloc *BitmapAllocator) MarkUsed(addr uintptr) {
	frame := mm.FrameFromAddress(addr)
	if uint64(frame) >= alloc.totalPages {
		return
	}

	alloc.mu.Acquire()
	alloc.markFrame(frame, markUsed)
	alloc.mu.Release()
}

// AllocFrame reserves a single frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.AllocPages(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// IsFrameUsed reports whether frame is marked as allocated. Frames outside
// the tracked range are reported as used.
func (alloc *BitmapAllocator) IsFrameUsed(frame mm.Frame) bool {
	if uint64(frame) >= alloc.totalPages {
		return true
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()
	return alloc.isUsed(frame)
}

// UsedPages returns the used page counter.
func (alloc *BitmapAllocator) UsedPages() uint64 {
	alloc.mu.Acquire()
	defer alloc.mu.Release()
	return alloc.usedPages
}

// TotalPages returns the number of frames tracked by the bitmap.
func (alloc *BitmapAllocator) TotalPages() uint64 {
	return alloc.totalPages
}

// FreeFrames counts the frames that can currently be allocated.
func (alloc *BitmapAllocator) FreeFrames() uint64 {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	var free uint64
	for frame := mm.Frame(0); uint64(frame) < alloc.totalPages; frame++ {
		if !alloc.isUsed(frame) {
			free++
		}
	}
	return free
}

// BitmapRegion returns the physical address and size in pages of the bitmap
// storage.
func (alloc *BitmapAllocator) BitmapRegion() (uintptr, uint64) {
	return alloc.bitmapPhys, alloc.bitmapPages
}

// PrintStats outputs the allocator state.
func (alloc *BitmapAllocator) PrintStats() {
	used, total := alloc.UsedPages(), alloc.totalPages
	kfmt.Printf("[pmm] bitmap at 0x%x (%d pages), covering %dMb\n", alloc.bitmapPhys, alloc.bitmapPages, total*uint64(mm.PageSize)/uint64(mm.Mb))
	kfmt.Printf("[pmm] pages: %d/%d used, %d free\n", used, total, alloc.FreeFrames())
}

func (alloc *BitmapAllocator) isUsed(frame mm.Frame) bool {
	return alloc.bitmap[frame/64]&(1<<(63-frame%64)) != 0
}

func (alloc *BitmapAllocator) markFrame(frame mm.Frame, flag markAs) {
	block, mask := frame/64, uint64(1)<<(63-frame%64)
	switch flag {
	case markUsed:
		alloc.bitmap[block] |= mask
	case markFree:
		alloc.bitmap[block] &^= mask
	}
}
