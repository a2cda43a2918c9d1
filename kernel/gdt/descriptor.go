package gdt

// Access byte bits of a segment descriptor.
const (
	AccessAccessed   = uint8(1 << 0)
	AccessRW         = uint8(1 << 1)
	AccessDC         = uint8(1 << 2)
	AccessExecutable = uint8(1 << 3)
	AccessSegment    = uint8(1 << 4)
	AccessPresent    = uint8(1 << 7)

	// accessTSSAvailable is the system type of an available 64-bit TSS.
	accessTSSAvailable = uint8(0x89)

	// accessTSSBusy is set by the CPU once the TSS is loaded with LTR.
	accessTSSBusy = uint8(0x8b)
)

// Flag nibble bits, stored in the high nibble of the granularity byte.
const (
	FlagLong        = uint8(1 << 1)
	FlagDB          = uint8(1 << 2)
	FlagGranularity = uint8(1 << 3)
)

// Descriptor is an 8-byte segment descriptor.
type Descriptor struct {
	LimitLow    uint16
	BaseLow     uint16
	BaseMiddle  uint8
	Access      uint8
	Granularity uint8
	BaseHigh    uint8
}

// access computes the access byte for a code or data segment. The present
// and accessed bits are always set.
func access(dpl uint8, typ uint8) uint8 {
	return AccessPresent | AccessAccessed | (dpl&0x3)<<5 | typ
}

// NewSegment encodes a segment descriptor.
func NewSegment(base, limit uint32, access, flags uint8) Descriptor {
	return Descriptor{
		LimitLow:    uint16(limit),
		BaseLow:     uint16(base),
		BaseMiddle:  uint8(base >> 16),
		Access:      access,
		Granularity: uint8(limit>>16)&0x0f | flags<<4,
		BaseHigh:    uint8(base >> 24),
	}
}

// newSystemSegment encodes a TSS descriptor. A 64-bit system descriptor is
// 16 bytes wide so it occupies two slots; the second one holds bits 63:32 of
// the base.
func newSystemSegment(base uint64, limit uint32) (lo, hi Descriptor) {
	lo = NewSegment(uint32(base), limit, accessTSSAvailable, 0)
	hi = Descriptor{
		LimitLow: uint16(base >> 32),
		BaseLow:  uint16(base >> 48),
	}
	return lo, hi
}

// Base returns the 32-bit base address encoded in the descriptor.
func (d Descriptor) Base() uint32 {
	return uint32(d.BaseLow) | uint32(d.BaseMiddle)<<16 | uint32(d.BaseHigh)<<24
}

// Limit returns the 20-bit limit encoded in the descriptor.
func (d Descriptor) Limit() uint32 {
	return uint32(d.LimitLow) | uint32(d.Granularity&0x0f)<<16
}

// Flags returns the flag nibble.
func (d Descriptor) Flags() uint8 {
	return d.Granularity >> 4
}

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 {
	return (d.Access >> 5) & 0x3
}

// Present reports whether the present bit is set.
func (d Descriptor) Present() bool {
	return d.Access&AccessPresent != 0
}
