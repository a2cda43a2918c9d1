// Package gdt builds the per-core global descriptor table and task state
// segment.
package gdt

import (
	"unsafe"

	"limeos/kernel/cpu"
)

// GDT slots.
const (
	segNull = iota
	segCode16
	segData16
	segCode32
	segData32
	segKernelCode
	segKernelData
	segUserCode
	segUserData
	segTSS
	segTSSHi

	// NumEntries is the number of 8-byte slots in the table.
	NumEntries
)

// Segment selectors. The kernel selectors match the ones the boot loader
// uses so CS does not need a far reload after LGDT.
const (
	KernelCodeSelector = uint16(segKernelCode << 3)
	KernelDataSelector = uint16(segKernelData << 3)
	UserCodeSelector   = uint16(segUserCode << 3)
	UserDataSelector   = uint16(segUserData << 3)
	TSSSelector        = uint16(segTSS << 3)

	// RPLUser is the requested privilege level of user-mode selectors.
	RPLUser = uint16(3)
)

const (
	typeCode = AccessSegment | AccessExecutable | AccessRW
	typeData = AccessSegment | AccessRW

	flags64 = FlagGranularity | FlagLong
	flags32 = FlagGranularity | FlagDB
)

// Tables holds one core's descriptor table and its task state segment. Init
// records the address of the embedded TSS in the descriptor table, so a
// Tables value must never move: keep it in a global or behind a heap
// pointer, never in a stack variable.
type Tables struct {
	gdt [NumEntries]Descriptor
	tss TaskState
}

// Init fills in the descriptors and points RSP0 at stackTop, the stack used
// when a trap raises the privilege level to ring 0.
func (t *Tables) Init(stackTop uintptr) {
	t.gdt[segNull] = Descriptor{}
	t.gdt[segCode16] = NewSegment(0, 0xffff, access(0, typeCode), 0)
	t.gdt[segData16] = NewSegment(0, 0xffff, access(0, typeData), 0)
	t.gdt[segCode32] = NewSegment(0, 0xffffffff, access(0, typeCode), flags32)
	t.gdt[segData32] = NewSegment(0, 0xffffffff, access(0, typeData), flags32)
	t.gdt[segKernelCode] = NewSegment(0, 0xffffffff, access(0, typeCode), flags64)
	t.gdt[segKernelData] = NewSegment(0, 0xffffffff, access(0, typeData), flags64)
	t.gdt[segUserCode] = NewSegment(0, 0xffffffff, access(3, typeCode), flags64)
	t.gdt[segUserData] = NewSegment(0, 0xffffffff, access(3, typeData), flags64)

	t.tss = TaskState{}
	t.tss.setRSP0(stackTop)

	// An I/O map base past the limit denies port access from ring 3.
	tssLimit := uint32(unsafe.Sizeof(t.tss) - 1)
	t.tss.ioPerm = uint16(tssLimit + 1)

	t.gdt[segTSS], t.gdt[segTSSHi] = newSystemSegment(uint64(t.TSSBase()), tssLimit)
}

// Load issues LGDT and LTR on the core described by ops.
func (t *Tables) Load(ops cpu.Ops) {
	ops.LoadGDT(uintptr(unsafe.Pointer(&t.gdt[0])), uint16(unsafe.Sizeof(t.gdt)-1))
	ops.LoadTSS(TSSSelector)
}

// Entry returns the descriptor in slot index.
func (t *Tables) Entry(index int) Descriptor {
	return t.gdt[index]
}

// TSS returns the task state segment.
func (t *Tables) TSS() *TaskState {
	return &t.tss
}

// TSSBase returns the address of the task state segment.
func (t *Tables) TSSBase() uintptr {
	return uintptr(unsafe.Pointer(&t.tss))
}

// EnterUserMode performs a one-way transfer to entry at ring 3 using stack
// as the user stack. It does not return on hardware.
func EnterUserMode(ops cpu.Ops, entry, stack uintptr) {
	ops.SwitchToUserMode(entry, stack, UserCodeSelector|RPLUser, UserDataSelector|RPLUser)
}
