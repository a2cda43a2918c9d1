// Package bootinfo defines the records the boot loader hands to the kernel:
// the physical memory map, loaded modules, the direct-map offset, the SMP
// response and a few firmware pointers. Decoding the loader's binary
// responses into these types happens before the memory core runs.
package bootinfo

import (
	"sync/atomic"

	"limeos/kernel/cpu"
)

// MemoryKind defines the type of a MemoryRegion.
type MemoryKind uint8

const (
	// MemUsable indicates that the memory region is available for use.
	MemUsable MemoryKind = iota

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemACPIReclaimable indicates a memory region that holds ACPI tables
	// that can be reused by the OS once parsed.
	MemACPIReclaimable

	// MemACPINVS indicates memory that must be preserved across sleep
	// states.
	MemACPINVS

	// MemBadMemory indicates a defective memory region.
	MemBadMemory

	// MemBootloaderReclaimable indicates memory used by the boot loader
	// (including its page tables) that can be reclaimed once the kernel
	// no longer needs the boot loader's structures.
	MemBootloaderReclaimable

	// MemKernelAndModules indicates memory that holds the kernel image
	// and loaded modules.
	MemKernelAndModules

	// MemFramebuffer indicates memory backing a framebuffer.
	MemFramebuffer
)

// String implements fmt.Stringer for MemoryKind.
func (k MemoryKind) String() string {
	switch k {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemACPINVS:
		return "ACPI NVS"
	case MemBadMemory:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel and modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a physical memory region reported by the boot
// loader.
type MemoryRegion struct {
	// The physical address for this memory region.
	Base uint64

	// The length of the memory region in bytes.
	Length uint64

	// The type of this region.
	Kind MemoryKind
}

// End returns the first physical address past the region.
func (r *MemoryRegion) End() uint64 {
	return r.Base + r.Length
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region. The
// visitor must return true to continue or false to abort the scan. Visitors
// may shrink the region they are handed.
type MemRegionVisitor func(*MemoryRegion) bool

// Module describes a file loaded by the boot loader alongside the kernel.
type Module struct {
	// Path is the module path as configured in the boot loader.
	Path string

	// Address is the module's address inside the direct map.
	Address uintptr

	// Size is the module size in bytes.
	Size uint64
}

// Framebuffer describes a linear framebuffer set up by the boot loader.
type Framebuffer struct {
	Address       uintptr
	Width, Height uint64
	Pitch         uint64
	BPP           uint16
}

// WakeFunc is the entry point an application processor jumps to once its
// wake vector is written. ops gives access to the woken processor.
type WakeFunc func(info *CPUInfo, ops cpu.Ops)

// CPUInfo describes one processor from the SMP response.
type CPUInfo struct {
	// ProcessorID is the ACPI processor id.
	ProcessorID uint32

	// LAPICID is the local APIC id of the processor.
	LAPICID uint32

	// ExtraArgument is free for the kernel to use. It is published
	// before the wake vector.
	ExtraArgument uint64

	wake atomic.Pointer[WakeFunc]
}

// SetWakeVector installs fn as the processor's wake vector. The processor
// starts executing fn as soon as the store becomes visible.
func (c *CPUInfo) SetWakeVector(fn WakeFunc) {
	c.wake.Store(&fn)
}

// WakeVector returns the installed wake vector or nil if the processor is
// still parked.
func (c *CPUInfo) WakeVector() WakeFunc {
	if fn := c.wake.Load(); fn != nil {
		return *fn
	}
	return nil
}

// SMPInfo is the boot loader's multiprocessor response.
type SMPInfo struct {
	// BSPLAPICID is the local APIC id of the boot processor.
	BSPLAPICID uint32

	CPUs []*CPUInfo
}

// Range is a half-open virtual address range.
type Range struct {
	Start, End uintptr
}

// KernelSections lists the virtual ranges of the running kernel image that
// must survive the switch to the kernel's own page tables.
type KernelSections struct {
	// ReadOnly covers text and rodata.
	ReadOnly Range

	// Writable covers data and bss.
	Writable Range

	// Requests covers the boot protocol request structures the loader
	// writes responses into.
	Requests Range
}

// KernelAddress is the boot loader's kernel address response.
type KernelAddress struct {
	PhysicalBase uintptr
	VirtualBase  uintptr
}

// Info collects all boot loader responses used by the kernel.
type Info struct {
	// HHDMOffset is the virtual address at which the boot loader mapped
	// physical address 0.
	HHDMOffset uintptr

	MemoryMap     []MemoryRegion
	Framebuffers  []Framebuffer
	Modules       []Module
	SMP           *SMPInfo
	RSDP          uintptr
	KernelAddress KernelAddress
	Sections      KernelSections
}

// VisitMemRegions invokes visitor for each memory region in the map until
// the visitor returns false.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range i.MemoryMap {
		if !visitor(&i.MemoryMap[index]) {
			return
		}
	}
}

// Initrd returns the first loaded module which the kernel treats as its
// initial ramdisk.
func (i *Info) Initrd() (*Module, bool) {
	if len(i.Modules) == 0 {
		return nil, false
	}
	return &i.Modules[0], true
}
