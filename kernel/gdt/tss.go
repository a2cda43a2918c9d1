package gdt

// TaskState is the 104-byte 64-bit task state segment. 64-bit fields are
// split into 32-bit halves because the hardware layout puts them at 4-byte
// offsets.
type TaskState struct {
	reserved0 uint32
	rsp0Lo    uint32
	rsp0Hi    uint32
	rsp1Lo    uint32
	rsp1Hi    uint32
	rsp2Lo    uint32
	rsp2Hi    uint32
	reserved1 uint32
	reserved2 uint32
	ist       [14]uint32
	reserved3 uint32
	reserved4 uint32
	reserved5 uint16
	ioPerm    uint16
}

// RSP0 returns the stack pointer loaded on a transition to ring 0.
func (t *TaskState) RSP0() uintptr {
	return uintptr(t.rsp0Lo) | uintptr(t.rsp0Hi)<<32
}

func (t *TaskState) setRSP0(stackTop uintptr) {
	t.rsp0Lo = uint32(stackTop)
	t.rsp0Hi = uint32(uint64(stackTop) >> 32)
}
