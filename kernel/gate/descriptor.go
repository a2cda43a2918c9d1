package gate

// Gate type/attribute values.
const (
	// AttrInterruptGate marks a present, ring 0, 64-bit interrupt gate.
	AttrInterruptGate = uint8(0x8e)

	// AttrTrapGate marks a present, ring 0, 64-bit trap gate.
	AttrTrapGate = uint8(0x8f)
)

// Descriptor is a 16-byte long mode gate descriptor.
type Descriptor struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	reserved   uint32
}

// NewDescriptor encodes a gate transferring control to handler through the
// code segment selected by selector.
func NewDescriptor(handler uintptr, selector uint16, typeAttr uint8) Descriptor {
	return Descriptor{
		OffsetLow:  uint16(handler),
		Selector:   selector,
		TypeAttr:   typeAttr,
		OffsetMid:  uint16(handler >> 16),
		OffsetHigh: uint32(handler >> 32),
	}
}

// Offset returns the handler address encoded in the descriptor.
func (d Descriptor) Offset() uintptr {
	return uintptr(d.OffsetLow) | uintptr(d.OffsetMid)<<16 | uintptr(d.OffsetHigh)<<32
}

// Present reports whether the present bit is set.
func (d Descriptor) Present() bool {
	return d.TypeAttr&0x80 != 0
}
