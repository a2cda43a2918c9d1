// Package cpu defines the privileged processor operations the kernel relies
// on. Kernel code never issues these instructions directly; it calls them
// through an Ops value so the same code runs on bare metal and on the hosted
// emulated machine.
package cpu

// Ops is the set of privileged operations available to the core the caller
// is running on.
type Ops interface {
	// EnableInterrupts enables interrupt handling.
	EnableInterrupts()

	// DisableInterrupts disables interrupt handling.
	DisableInterrupts()

	// InterruptsEnabled reports whether the interrupt flag is set.
	InterruptsEnabled() bool

	// Halt stops instruction execution on this core.
	Halt()

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// SwitchPDT sets the root page table directory to point to the
	// specified physical address and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the currently active page
	// table.
	ActivePDT() uintptr

	// ReadCR2 returns the faulting address of the last page fault.
	ReadCR2() uint64

	// LoadGDT loads the descriptor table register.
	LoadGDT(base uintptr, limit uint16)

	// LoadTSS loads the task register with the given GDT selector.
	LoadTSS(selector uint16)

	// LoadIDT loads the interrupt descriptor table register.
	LoadIDT(base uintptr, limit uint16)

	// CurrentFrame returns the instruction and stack pointer of the
	// caller.
	CurrentFrame() (ip, sp uintptr)

	// SwitchToUserMode transfers control to entry at ring 3 with the
	// given stack, using the supplied selectors. It does not return.
	SwitchToUserMode(entry, stack uintptr, codeSel, dataSel uint16)
}

// WithInterruptsDisabled runs fn with interrupts masked on the core described
// by ops. The interrupt flag is restored to its previous value once fn
// returns.
func WithInterruptsDisabled(ops Ops, fn func()) {
	wasEnabled := ops.InterruptsEnabled()
	ops.DisableInterrupts()
	if wasEnabled {
		defer ops.EnableInterrupts()
	}

	fn()
}

// TrapRouter is implemented by processors that deliver traps by calling back
// into Go instead of vectoring through the IDT. Once a trap table is loaded
// it registers fn so the processor can hand over the vector, the error code
// and the interrupted instruction pointer.
type TrapRouter interface {
	RouteTraps(fn func(vector uint8, errorCode uint64, rip uintptr))
}
