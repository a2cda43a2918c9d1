package mm

import "math"

// Frame is the index of a physical page: frame n covers the bytes
// [n*PageSize, (n+1)*PageSize).
type Frame uintptr

// InvalidFrame is what allocators hand out when no frame could be reserved.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f refers to an actual frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in f.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}
