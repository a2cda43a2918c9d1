//go:build baremetal

package gate

import "limeos/kernel/cpu"

// fillEntryPoints stores the address of each assembly entry stub in entries.
func fillEntryPoints(entries *[NumVectors]uintptr)

// EntryPoints returns the addresses of the assembly entry stubs.
func EntryPoints() []uintptr {
	var entries [NumVectors]uintptr
	fillEntryPoints(&entries)
	return entries[:]
}

var native cpu.Native

// dispatchTrap is called by the common entry stub with a pointer to the
// saved register state on the interrupted stack.
//
//go:nosplit
func dispatchTrap(regs *Registers) {
	if t := loadedTable.Load(); t != nil {
		t.Dispatch(&native, regs)
	}
}
