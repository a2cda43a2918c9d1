package kmain

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/gate"
	"limeos/kernel/gdt"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/mm"
	"limeos/kernel/mm/pmm"
	"limeos/kernel/mm/vmm"
	"limeos/kernel/smp"
)

// Context is the state built by Boot. Its methods are the memory services
// offered to the rest of the kernel. TLB invalidations issued through it
// run on the boot processor.
type Context struct {
	cfg  Config
	info *bootinfo.Info
	ops  cpu.Ops
	dm   mm.DirectMap

	alloc  *pmm.BitmapAllocator
	space  *vmm.AddressSpace
	tables gdt.Tables
	traps  *gate.Table
	smp    *smp.Coordinator
}

// AllocPages reserves n contiguous physical pages and returns the address of
// the first one.
func (ctx *Context) AllocPages(n uint64) (uintptr, *kernel.Error) {
	return ctx.alloc.AllocPages(n)
}

// FreePages releases n pages starting at base.
func (ctx *Context) FreePages(base uintptr, n uint64) *kernel.Error {
	return ctx.alloc.FreePages(base, n)
}

// MapPage maps virt to phys in the kernel address space.
func (ctx *Context) MapPage(phys, virt uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	return ctx.space.MapPage(ctx.ops, phys, virt, flags)
}

// FindPhysicalAddress translates virt using the kernel address space.
func (ctx *Context) FindPhysicalAddress(virt uintptr) (uintptr, *kernel.Error) {
	return ctx.space.FindPhysicalAddress(virt)
}

// SwitchToUserMode transfers the boot processor to entry at ring 3. It does
// not return on hardware.
func (ctx *Context) SwitchToUserMode(entry, stack uintptr) {
	gdt.EnterUserMode(ctx.ops, entry, stack)
}

// Allocator returns the physical page allocator.
func (ctx *Context) Allocator() *pmm.BitmapAllocator {
	return ctx.alloc
}

// AddressSpace returns the kernel address space.
func (ctx *Context) AddressSpace() *vmm.AddressSpace {
	return ctx.space
}

// Tables returns the boot processor's descriptor tables.
func (ctx *Context) Tables() *gdt.Tables {
	return &ctx.tables
}

// Traps returns the shared trap table.
func (ctx *Context) Traps() *gate.Table {
	return ctx.traps
}

// SMP returns the application processor coordinator, or nil if the boot
// loader reported no SMP information.
func (ctx *Context) SMP() *smp.Coordinator {
	return ctx.smp
}
