//go:build !baremetal

package gate

// hostedEntryBase is where the entry stubs would live in the kernel image.
const hostedEntryBase = uintptr(0xffffffff80001000)

// EntryPoints returns one stub address per vector. Hosted builds have no
// stubs; traps reach Trampoline through cpu.TrapRouter instead, so the
// addresses only need to be distinct and canonical.
func EntryPoints() []uintptr {
	entries := make([]uintptr, NumVectors)
	for vector := range entries {
		entries[vector] = hostedEntryBase + uintptr(vector)*16
	}
	return entries
}
