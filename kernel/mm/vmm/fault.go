package vmm

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/gate"
	"limeos/kernel/kfmt"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/GPF fault"}

// Page fault error code bits.
const (
	faultPresent   = 1 << 0
	faultWrite     = 1 << 1
	faultUser      = 1 << 2
	faultReserved  = 1 << 3
	faultInstFetch = 1 << 4
)

// InstallFaultHandlers registers the page fault and general protection fault
// handlers with table. It must be called before the table is loaded.
func InstallFaultHandlers(table *gate.Table) *kernel.Error {
	if err := table.HandleInterrupt(gate.PageFaultException, pageFaultHandler); err != nil {
		return err
	}
	return table.HandleInterrupt(gate.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func pageFaultHandler(ops cpu.Ops, regs *gate.Registers) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s", ops.ReadCR2(), faultReason(regs.ErrorCode))
	if regs.ErrorCode&faultUser != 0 {
		kfmt.Printf(" (user-mode)")
	}
	if regs.ErrorCode&faultInstFetch != 0 {
		kfmt.Printf(" (instruction fetch)")
	}
	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	// TODO: recover user-mode faults by killing the task once tasks exist.
	kfmt.Panic(errUnrecoverableFault)
}

func faultReason(errorCode uint64) string {
	switch {
	case errorCode&faultReserved != 0:
		return "page table has reserved bit set"
	case errorCode&faultPresent == 0 && errorCode&faultWrite == 0:
		return "read from non-present page"
	case errorCode&faultPresent == 0:
		return "write to non-present page"
	case errorCode&faultWrite != 0:
		return "page protection violation (write)"
	default:
		return "page protection violation (read)"
	}
}

// generalProtectionFaultHandler is invoked for privilege and segment
// violations.
func generalProtectionFaultHandler(ops cpu.Ops, regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector index 0x%x)\n", regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(errUnrecoverableFault)
}
