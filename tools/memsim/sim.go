package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/hal/emu"
	"limeos/kernel/kfmt"
	"limeos/kernel/kmain"
	"limeos/kernel/smp"
)

// coreReport is the state of one processor after bring-up.
type coreReport struct {
	ID       uint32
	LAPICID  uint32
	State    string
	StackTop uintptr
}

// report summarizes the machine once Boot returns.
type report struct {
	MemorySize uintptr
	TotalPages uint64
	UsedPages  uint64
	KernelRoot uintptr
	Cores      []coreReport
}

// parkCore is the entry point of application processors; the memory core
// has nothing to schedule on them.
func parkCore(ops cpu.Ops, _ *smp.Core) {
	ops.Halt()
}

// simulate powers on a machine described by cfg.Machine and runs the
// kernel bring-up on it. Kernel console output is forwarded to log.
func simulate(ctx context.Context, cfg config, log *logrus.Logger) (*report, error) {
	machine, err := emu.NewMachine(cfg.Machine, log)
	if err != nil {
		return nil, err
	}

	console := log.WriterLevel(logrus.InfoLevel)
	defer console.Close()
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: console, Prefix: []byte("kernel: ")})
	defer kfmt.SetOutputSink(nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wait := machine.StartAPs(ctx)

	bsp := machine.BSP()

	var (
		kctx *kmain.Context
		kerr *kernel.Error
	)
	exit := bsp.Run(func() {
		kctx, kerr = kmain.Boot(bsp, machine.BootInfo(), cfg.Kernel, parkCore)
	})

	// Processors that were never woken stay parked until the context is
	// cancelled.
	cancel()
	werr := wait()

	switch {
	case exit != emu.ExitReturned:
		return nil, errors.Join(fmt.Errorf("boot processor stopped: %s", exit), werr)
	case kerr != nil:
		return nil, fmt.Errorf("boot failed: [%s] %s", kerr.Module, kerr.Message)
	case werr != nil:
		return nil, werr
	}

	rep := &report{
		MemorySize: machine.MemorySize(),
		TotalPages: kctx.Allocator().TotalPages(),
		UsedPages:  kctx.Allocator().UsedPages(),
		KernelRoot: kctx.AddressSpace().PhysAddr(),
		Cores: []coreReport{{
			State:    smp.Running.String(),
			StackTop: kctx.Tables().TSS().RSP0(),
		}},
	}
	if coord := kctx.SMP(); coord != nil {
		for _, core := range coord.Cores() {
			rep.Cores = append(rep.Cores, coreReport{
				ID:       core.ProcessorID,
				LAPICID:  core.LAPICID,
				State:    core.State().String(),
				StackTop: core.StackTop(),
			})
		}
	}

	return rep, nil
}

func (r *report) print(w io.Writer) error {
	fmt.Fprintf(w, "memory:      %d MiB\n", r.MemorySize>>20)
	fmt.Fprintf(w, "pages:       %d used / %d total\n", r.UsedPages, r.TotalPages)
	fmt.Fprintf(w, "kernel root: 0x%x\n\n", r.KernelRoot)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tLAPIC\tSTATE\tRSP0")
	for _, c := range r.Cores {
		fmt.Fprintf(tw, "%d\t%d\t%s\t0x%x\n", c.ID, c.LAPICID, c.State, c.StackTop)
	}
	return tw.Flush()
}
