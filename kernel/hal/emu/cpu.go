package emu

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"limeos/kernel/cpu"
	"limeos/kernel/mm"
)

// ErrTripleFault is reported for a processor that took a fault it could not
// deliver.
var ErrTripleFault = errors.New("triple fault")

// Trap vectors raised by the emulated processor itself.
const (
	vectorGPF       = 13
	vectorPageFault = 14
)

// bootRIPOffset is where the boot loader starts executing the kernel.
const bootRIPOffset = 0x1000

// ExitReason describes why CPU.Run returned.
type ExitReason int

const (
	// ExitReturned means the function passed to Run returned normally.
	ExitReturned ExitReason = iota

	// ExitHalted means the processor executed Halt.
	ExitHalted

	// ExitUserMode means the processor switched to ring 3.
	ExitUserMode

	// ExitTripleFault means the processor took a fault that could not be
	// delivered.
	ExitTripleFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitReturned:
		return "returned"
	case ExitHalted:
		return "halted"
	case ExitUserMode:
		return "entered user mode"
	case ExitTripleFault:
		return "triple fault"
	default:
		return "unknown"
	}
}

// exitSignal unwinds the goroutine running a processor back to Run.
type exitSignal struct {
	reason ExitReason
}

// UserEntry records a switch to ring 3.
type UserEntry struct {
	Entry, Stack     uintptr
	CodeSel, DataSel uint16
}

// CPU is one emulated processor. It implements cpu.Ops and cpu.TrapRouter.
// A CPU must only be driven by one goroutine at a time.
type CPU struct {
	m   *Machine
	log *logrus.Entry

	id         uint32
	interrupts bool
	cr2        uint64
	cr3        uintptr
	rip, rsp   uintptr

	gdtBase  uintptr
	gdtLimit uint16
	idtBase  uintptr
	idtLimit uint16
	tr       uint16

	flushes int
	halted  bool
	trapFn  func(vector uint8, errorCode uint64, rip uintptr)
	user    *UserEntry
}

var (
	_ cpu.Ops        = (*CPU)(nil)
	_ cpu.TrapRouter = (*CPU)(nil)
)

func newCPU(m *Machine, id uint32, stackPointer uintptr) *CPU {
	return &CPU{
		m:   m,
		log: m.log.WithField("cpu", id),
		id:  id,
		cr3: m.loaderRoot,
		rip: mm.KernelCodeOffset + bootRIPOffset,
		rsp: stackPointer,
	}
}

// ID returns the processor id.
func (c *CPU) ID() uint32 { return c.id }

// Run executes fn on the processor and returns once fn returns or the
// processor halts, faults or leaves for user mode.
func (c *CPU) Run(fn func()) (reason ExitReason) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(exitSignal)
			if !ok {
				panic(r)
			}
			reason = sig.reason
		}
	}()

	fn()
	return ExitReturned
}

func (c *CPU) exit(reason ExitReason) {
	panic(exitSignal{reason: reason})
}

// EnableInterrupts sets the interrupt flag.
func (c *CPU) EnableInterrupts() { c.interrupts = true }

// DisableInterrupts clears the interrupt flag.
func (c *CPU) DisableInterrupts() { c.interrupts = false }

// InterruptsEnabled reports the interrupt flag.
func (c *CPU) InterruptsEnabled() bool { return c.interrupts }

// Halt stops the processor. Halting with interrupts masked never resumes,
// so Run returns ExitHalted.
func (c *CPU) Halt() {
	c.log.Debug("hlt")
	c.halted = true
	c.exit(ExitHalted)
}

// Halted reports whether the processor has executed HLT.
func (c *CPU) Halted() bool { return c.halted }

// FlushTLBEntry counts the invalidation; the emulated MMU has no TLB.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) { c.flushes++ }

// Flushes returns the number of INVLPG operations executed.
func (c *CPU) Flushes() int { return c.flushes }

// SwitchPDT loads CR3. The instruction and stack pointers must stay mapped
// in the new hierarchy, with the stack writable and the code executable;
// otherwise the next fetch faults with no usable stack and the processor
// triple faults.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.log.WithField("cr3", fmt.Sprintf("0x%x", pdtPhysAddr)).Debug("mov cr3")
	c.cr3 = pdtPhysAddr

	for _, addr := range []uintptr{c.rip, c.rsp} {
		if _, _, ok := c.m.Translate(pdtPhysAddr, addr); !ok {
			c.cr2 = uint64(addr)
			c.tripleFault(fmt.Sprintf("0x%x unmapped after CR3 switch", addr))
		}
	}
	if _, writable, _ := c.m.Translate(pdtPhysAddr, c.rsp); !writable {
		c.cr2 = uint64(c.rsp)
		c.tripleFault("stack is read-only after CR3 switch")
	}
	if !c.m.Executable(pdtPhysAddr, c.rip) {
		c.cr2 = uint64(c.rip)
		c.tripleFault("instruction pointer is no-execute after CR3 switch")
	}
}

// ActivePDT returns CR3.
func (c *CPU) ActivePDT() uintptr { return c.cr3 }

// ReadCR2 returns the address of the last page fault.
func (c *CPU) ReadCR2() uint64 { return c.cr2 }

// LoadGDT loads GDTR.
func (c *CPU) LoadGDT(base uintptr, limit uint16) {
	c.log.WithFields(logrus.Fields{"base": fmt.Sprintf("0x%x", base), "limit": limit}).Debug("lgdt")
	c.gdtBase, c.gdtLimit = base, limit
}

// GDTR returns the descriptor table register.
func (c *CPU) GDTR() (uintptr, uint16) { return c.gdtBase, c.gdtLimit }

// LoadTSS loads the task register. Like the hardware it requires an
// available 64-bit TSS descriptor and marks it busy.
func (c *CPU) LoadTSS(selector uint16) {
	c.log.WithField("selector", fmt.Sprintf("0x%x", selector)).Debug("ltr")

	offset := uintptr(selector &^ 7)
	if c.gdtBase == 0 || offset+15 > uintptr(c.gdtLimit) {
		c.RaiseTrap(vectorGPF, uint64(selector))
		return
	}

	descriptor := (*[16]byte)(unsafe.Pointer(c.gdtBase + offset))
	if descriptor[5] != 0x89 {
		c.RaiseTrap(vectorGPF, uint64(selector))
		return
	}

	descriptor[5] |= 0x2
	c.tr = selector
}

// TR returns the task register.
func (c *CPU) TR() uint16 { return c.tr }

// LoadIDT loads IDTR.
func (c *CPU) LoadIDT(base uintptr, limit uint16) {
	c.log.WithFields(logrus.Fields{"base": fmt.Sprintf("0x%x", base), "limit": limit}).Debug("lidt")
	c.idtBase, c.idtLimit = base, limit
}

// IDTR returns the interrupt descriptor table register.
func (c *CPU) IDTR() (uintptr, uint16) { return c.idtBase, c.idtLimit }

// CurrentFrame returns the emulated instruction and stack pointers.
func (c *CPU) CurrentFrame() (uintptr, uintptr) { return c.rip, c.rsp }

// SwitchToUserMode records the transfer and stops the processor with
// ExitUserMode.
func (c *CPU) SwitchToUserMode(entry, stack uintptr, codeSel, dataSel uint16) {
	if codeSel&3 != 3 || dataSel&3 != 3 {
		c.RaiseTrap(vectorGPF, uint64(codeSel))
		return
	}

	c.user = &UserEntry{Entry: entry, Stack: stack, CodeSel: codeSel, DataSel: dataSel}
	c.log.WithFields(logrus.Fields{
		"rip": fmt.Sprintf("0x%x", entry),
		"rsp": fmt.Sprintf("0x%x", stack),
	}).Debug("iretq to ring 3")
	c.exit(ExitUserMode)
}

// UserMode returns the last switch to ring 3, if any.
func (c *CPU) UserMode() (UserEntry, bool) {
	if c.user == nil {
		return UserEntry{}, false
	}
	return *c.user, true
}

// RouteTraps registers fn as the delivery path for traps raised on this
// processor.
func (c *CPU) RouteTraps(fn func(vector uint8, errorCode uint64, rip uintptr)) {
	c.trapFn = fn
}

// RaiseTrap delivers a trap through the loaded IDT. Traps with no IDT or an
// out-of-range vector triple fault. Interrupts are masked while the handler
// runs, as for an interrupt gate.
func (c *CPU) RaiseTrap(vector uint8, errorCode uint64) {
	if c.trapFn == nil || c.idtBase == 0 || uintptr(vector)*16+15 > uintptr(c.idtLimit) {
		c.tripleFault(fmt.Sprintf("cannot deliver vector %d", vector))
		return
	}

	c.log.WithFields(logrus.Fields{"vector": vector, "error": errorCode}).Debug("trap")

	enabled := c.interrupts
	c.interrupts = false
	c.trapFn(vector, errorCode, c.rip)
	c.interrupts = enabled
}

// PageFault raises a page fault for addr.
func (c *CPU) PageFault(addr uintptr, errorCode uint64) {
	c.cr2 = uint64(addr)
	c.RaiseTrap(vectorPageFault, errorCode)
}

func (c *CPU) tripleFault(reason string) {
	c.log.WithField("cr2", fmt.Sprintf("0x%x", c.cr2)).Error("triple fault: " + reason)
	c.exit(ExitTripleFault)
}
