package vmm

import (
	"testing"
	"unsafe"

	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/mm"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// testMachine is a host buffer standing in for physical memory plus a bump
// allocator handing out its frames, starting after the null page.
type testMachine struct {
	mem       []uint64
	dm        mm.DirectMap
	nextFrame mm.Frame
	maxFrame  mm.Frame
	allocs    int
}

func newTestMachine(size mm.Size) *testMachine {
	mem := make([]uint64, size/8)
	return &testMachine{
		mem:       mem,
		dm:        mm.NewDirectMap(uintptr(unsafe.Pointer(&mem[0]))),
		nextFrame: 1,
		maxFrame:  mm.Frame(uintptr(size) >> mm.PageShift),
	}
}

func (m *testMachine) AllocFrame() (mm.Frame, *kernel.Error) {
	if m.nextFrame >= m.maxFrame {
		return mm.InvalidFrame, errTestOutOfFrames
	}
	m.allocs++
	m.nextFrame++
	return m.nextFrame - 1, nil
}

// recordingOps captures the TLB and CR3 operations issued by the code under
// test.
type recordingOps struct {
	cpu.Ops
	flushed []uintptr
	cr3     uintptr
	cr2     uint64
}

func (r *recordingOps) FlushTLBEntry(virtAddr uintptr) { r.flushed = append(r.flushed, virtAddr) }
func (r *recordingOps) SwitchPDT(pdtPhysAddr uintptr) { r.cr3 = pdtPhysAddr }
func (r *recordingOps) ActivePDT() uintptr { return r.cr3 }
func (r *recordingOps) ReadCR2() uint64 { return r.cr2 }
func (r *recordingOps) InterruptsEnabled() bool { return false }
func (r *recordingOps) DisableInterrupts() {}
func (r *recordingOps) EnableInterrupts() {}
func (r *recordingOps) LoadIDT(uintptr, uint16) {}

// interruptOps tracks the interrupt flag and counts TLB flushes issued while
// interrupts are enabled.
type interruptOps struct {
	recordingOps
	enabled         bool
	unmaskedFlushes int
}

func (o *interruptOps) InterruptsEnabled() bool { return o.enabled }
func (o *interruptOps) DisableInterrupts() { o.enabled = false }
func (o *interruptOps) EnableInterrupts() { o.enabled = true }

func (o *interruptOps) FlushTLBEntry(virtAddr uintptr) {
	if o.enabled {
		o.unmaskedFlushes++
	}
	o.recordingOps.FlushTLBEntry(virtAddr)
}

func newTestManager(t *testing.T, size mm.Size) (*Manager, *PageTable, *testMachine, *recordingOps) {
	machine := newTestMachine(size)
	ops := &recordingOps{}
	mgr := NewManager(machine.dm, machine, ops)

	root, err := mgr.NewTable()
	if err != nil {
		t.Fatal(err)
	}
	return mgr, root, machine, ops
}
