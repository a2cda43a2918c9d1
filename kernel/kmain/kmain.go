// Package kmain brings up the memory core: the physical allocator, the
// kernel's own address space, the descriptor and trap tables and the
// application processors.
package kmain

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/gate"
	"limeos/kernel/gdt"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/kfmt"
	"limeos/kernel/mm"
	"limeos/kernel/mm/pmm"
	"limeos/kernel/mm/vmm"
	"limeos/kernel/smp"
)

// Boot resources that must be present before any mapping work starts.
var (
	ErrMissingFramebuffer = &kernel.Error{Module: "kmain", Message: "missing boot resource: framebuffer"}
	ErrMissingMemoryMap   = &kernel.Error{Module: "kmain", Message: "missing boot resource: memory map"}
	ErrMissingHHDM        = &kernel.Error{Module: "kmain", Message: "missing boot resource: direct map offset"}
	ErrMissingInitrd      = &kernel.Error{Module: "kmain", Message: "missing boot resource: initrd module"}
)

// Boot runs the bring-up sequence on the boot processor described by ops:
//
//  1. validate the boot loader responses
//  2. initialize the physical allocator and reserve the RSDP frame
//  3. build the kernel address space and switch to it
//  4. back the kernel heap
//  5. load the boot processor's GDT/TSS
//  6. build and load the shared trap table with the fault handlers
//  7. wake the application processors and wait until they report back
//
// Application processors call apEntry once they are running. Any error is
// fatal for the caller.
func Boot(ops cpu.Ops, info *bootinfo.Info, cfg Config, apEntry smp.EntryFunc) (*Context, *kernel.Error) {
	kfmt.SetHaltHandler(ops.Halt)

	if err := validate(info); err != nil {
		return nil, err
	}

	initrd, _ := info.Initrd()
	ctx := &Context{
		cfg:   cfg,
		info:  info,
		ops:   ops,
		dm:    mm.NewDirectMap(info.HHDMOffset),
		alloc: new(pmm.BitmapAllocator),
		traps: new(gate.Table),
	}

	if err := ctx.alloc.Init(ctx.dm, info.MemoryMap); err != nil {
		return nil, err
	}
	if info.RSDP != 0 {
		ctx.alloc.MarkUsed(info.RSDP)
	}
	ctx.alloc.PrintStats()

	rip, rsp := ops.CurrentFrame()
	mgr := vmm.NewManager(ctx.dm, ctx.alloc, ops)
	space, err := vmm.NewBootMapper(mgr, ops).Map(vmm.BootMapping{
		LowMemorySize: uintptr(cfg.LowMemorySize),
		PhysicalTop:   uintptr(ctx.alloc.TotalPages()) * mm.PageSize,
		Initrd:        initrd,
		Sections:      info.Sections,
		LiveAddrs:     []uintptr{rip, rsp},
	})
	if err != nil {
		return nil, err
	}
	ctx.space = space

	if cfg.HeapSize != 0 {
		if err = vmm.MapKernelHeap(space, ops, ctx.alloc, uintptr(cfg.HeapBase), cfg.HeapSize); err != nil {
			return nil, err
		}
		kfmt.Printf("[kmain] kernel heap at 0x%x (%d pages)\n", cfg.HeapBase, mm.PagesFor(uintptr(cfg.HeapSize)))
	}

	if err = ctx.initBootProcessor(); err != nil {
		return nil, err
	}

	if info.SMP != nil {
		ctx.smp = smp.NewCoordinator(smp.Config{
			Space:      space,
			Traps:      ctx.traps,
			Stacks:     ctx.alloc,
			DirectMap:  ctx.dm,
			StackPages: cfg.KernelStackPages,
			Entry:      apEntry,
		})

		if _, err = ctx.smp.Start(info.SMP); err != nil {
			return nil, err
		}
		if err = ctx.smp.AwaitStartup(); err != nil {
			return nil, err
		}
	}

	kfmt.Printf("[kmain] memory core ready\n")
	return ctx, nil
}

func validate(info *bootinfo.Info) *kernel.Error {
	switch {
	case len(info.Framebuffers) == 0:
		return ErrMissingFramebuffer
	case len(info.MemoryMap) == 0:
		return ErrMissingMemoryMap
	case info.HHDMOffset == 0:
		return ErrMissingHHDM
	}

	if _, ok := info.Initrd(); !ok {
		return ErrMissingInitrd
	}
	return nil
}

// initBootProcessor loads the boot processor's descriptor tables and the
// shared trap table.
func (ctx *Context) initBootProcessor() *kernel.Error {
	stack, err := ctx.alloc.AllocPages(ctx.cfg.KernelStackPages)
	if err != nil {
		return err
	}
	stackTop := ctx.dm.PhysToVirt(stack + uintptr(ctx.cfg.KernelStackPages)*mm.PageSize)

	// The trap gates reference the kernel code selector, so the descriptor
	// tables go first.
	cpu.WithInterruptsDisabled(ctx.ops, func() {
		ctx.tables.Init(stackTop)
		ctx.tables.Load(ctx.ops)
	})

	if err = ctx.traps.Init(gate.EntryPoints(), gdt.KernelCodeSelector); err != nil {
		return err
	}
	if err = vmm.InstallFaultHandlers(ctx.traps); err != nil {
		return err
	}

	cpu.WithInterruptsDisabled(ctx.ops, func() {
		ctx.traps.Load(ctx.ops)
	})
	return nil
}
