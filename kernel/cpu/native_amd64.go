//go:build baremetal

package cpu

// Native implements Ops by executing the privileged instructions directly.
type Native struct{}

var _ Ops = Native{}

func (Native) EnableInterrupts() { enableInterrupts() }
func (Native) DisableInterrupts() { disableInterrupts() }
func (Native) InterruptsEnabled() bool { return interruptsEnabled() }
func (Native) Halt() { halt() }
func (Native) FlushTLBEntry(virtAddr uintptr) { flushTLBEntry(virtAddr) }
func (Native) SwitchPDT(pdtPhysAddr uintptr) { switchPDT(pdtPhysAddr) }
func (Native) ActivePDT() uintptr { return activePDT() }
func (Native) ReadCR2() uint64 { return readCR2() }
func (Native) LoadGDT(base uintptr, limit uint16) { loadGDT(base, limit) }
func (Native) LoadTSS(selector uint16) { loadTSS(selector) }
func (Native) LoadIDT(base uintptr, limit uint16) { loadIDT(base, limit) }
func (Native) CurrentFrame() (uintptr, uintptr) { return currentFrame() }

func (Native) SwitchToUserMode(entry, stack uintptr, codeSel, dataSel uint16) {
	switchToUserMode(entry, stack, codeSel|3, dataSel|3)
}

func enableInterrupts()
func disableInterrupts()
func interruptsEnabled() bool
func halt()
func flushTLBEntry(virtAddr uintptr)
func switchPDT(pdtPhysAddr uintptr)
func activePDT() uintptr
func readCR2() uint64

// loadGDT loads the GDTR and reloads the data segment registers with the
// kernel data selector. CS is left alone: the boot loader already runs us
// from the same 64-bit code selector.
func loadGDT(base uintptr, limit uint16)
func loadTSS(selector uint16)
func loadIDT(base uintptr, limit uint16)
func currentFrame() (uintptr, uintptr)
func switchToUserMode(entry, stack uintptr, codeSel, dataSel uint16)
