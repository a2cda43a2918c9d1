package gate

import (
	"sync/atomic"
	"unsafe"

	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/kfmt"
)

var (
	errTableSealed     = &kernel.Error{Module: "gate", Message: "trap table is read-only once loaded"}
	errInvalidVector   = &kernel.Error{Module: "gate", Message: "interrupt vector out of range"}
	errEntryPointCount = &kernel.Error{Module: "gate", Message: "expected one entry point per vector"}
	errUnhandledTrap   = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}

	// loadedTable is the table the entry stubs dispatch through.
	loadedTable atomic.Pointer[Table]
)

// Handler is invoked for a trap with the operations of the core that took it
// and the saved register state.
type Handler func(ops cpu.Ops, regs *Registers)

// Table is the interrupt descriptor table shared by all cores plus the
// vector-indexed handlers the dispatcher forwards to. It is built by the
// boot processor and becomes read-only after the first Load.
type Table struct {
	idt      [NumVectors]Descriptor
	handlers [NumVectors]Handler
	sealed   atomic.Bool
}

// Init fills every gate with an interrupt gate pointing at the matching
// entry point.
func (t *Table) Init(entryPoints []uintptr, codeSelector uint16) *kernel.Error {
	if t.sealed.Load() {
		return errTableSealed
	}
	if len(entryPoints) != NumVectors {
		return errEntryPointCount
	}

	for vector, entry := range entryPoints {
		t.idt[vector] = NewDescriptor(entry, codeSelector, AttrInterruptGate)
	}
	return nil
}

// HandleInterrupt registers handler for vector. Handlers can only be
// registered before the table is loaded.
func (t *Table) HandleInterrupt(vector InterruptNumber, handler Handler) *kernel.Error {
	if vector >= NumVectors {
		return errInvalidVector
	}
	if t.sealed.Load() {
		return errTableSealed
	}

	t.handlers[vector] = handler
	return nil
}

// Load points the IDT register of the core described by ops at the table
// and seals it.
func (t *Table) Load(ops cpu.Ops) {
	t.sealed.Store(true)
	loadedTable.Store(t)

	ops.LoadIDT(uintptr(unsafe.Pointer(&t.idt[0])), uint16(unsafe.Sizeof(t.idt)-1))

	if router, ok := ops.(cpu.TrapRouter); ok {
		codeSelector := t.idt[0].Selector
		router.RouteTraps(func(vector uint8, errorCode uint64, rip uintptr) {
			t.Trampoline(ops, InterruptNumber(vector), errorCode, Registers{
				RIP: uint64(rip),
				CS:  uint64(codeSelector),
			})
		})
	}
}

// Sealed reports whether the table has been loaded.
func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Descriptor returns the gate for vector.
func (t *Table) Descriptor(vector InterruptNumber) Descriptor {
	return t.idt[vector]
}

// Trampoline performs the work of an entry stub: vectors without a hardware
// error code get a zero one, then the record is dispatched.
func (t *Table) Trampoline(ops cpu.Ops, vector InterruptNumber, errorCode uint64, frame Registers) {
	if !vector.HasErrorCode() {
		errorCode = 0
	}

	frame.Vector = uint64(vector)
	frame.ErrorCode = errorCode
	t.Dispatch(ops, &frame)
}

// Dispatch forwards regs to the handler registered for regs.Vector. Traps
// without a handler are fatal.
func (t *Table) Dispatch(ops cpu.Ops, regs *Registers) {
	if regs.Vector < NumVectors {
		if handler := t.handlers[regs.Vector]; handler != nil {
			handler(ops, regs)
			return
		}
	}

	kfmt.Printf("\nUnhandled interrupt %d (error code 0x%x)\nRegisters:\n", regs.Vector, regs.ErrorCode)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnhandledTrap)
}
