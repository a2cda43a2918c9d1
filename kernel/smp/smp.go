// Package smp wakes the application processors reported by the boot loader
// and brings each one into the kernel's address space and trap table.
package smp

import (
	"sort"
	"sync/atomic"

	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/gate"
	"limeos/kernel/gdt"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/kfmt"
	"limeos/kernel/mm"
	"limeos/kernel/mm/vmm"
	"limeos/kernel/sync"
)

var (
	errAPHalted       = &kernel.Error{Module: "smp", Message: "one or more application processors halted during startup"}
	errAlreadyStarted = &kernel.Error{Module: "smp", Message: "application processors already started"}
)

// State is the bring-up state of an application processor.
type State uint32

const (
	// Parked processors spin in the boot loader waiting for a wake vector.
	Parked State = iota

	// Starting processors have a wake vector and are setting up.
	Starting

	// Running processors have reached the kernel entry point.
	Running

	// Halted processors failed to start and stopped.
	Halted
)

func (s State) String() string {
	switch s {
	case Parked:
		return "parked"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// StackAllocator supplies the physical pages for per-core kernel stacks.
type StackAllocator interface {
	AllocPages(n uint64) (uintptr, *kernel.Error)
}

// EntryFunc is the kernel entry point an application processor calls once it
// is running. A core whose entry point returns, or that has none, halts.
type EntryFunc func(ops cpu.Ops, core *Core)

// Core is the bookkeeping for one application processor.
type Core struct {
	ProcessorID uint32
	LAPICID     uint32

	state    atomic.Uint32
	tables   gdt.Tables
	stackTop uintptr
}

// State returns the current bring-up state.
func (c *Core) State() State {
	return State(c.state.Load())
}

// Tables returns the core's descriptor tables.
func (c *Core) Tables() *gdt.Tables {
	return &c.tables
}

// StackTop returns the top of the core's ring-0 stack.
func (c *Core) StackTop() uintptr {
	return c.stackTop
}

// Config holds the shared resources every application processor attaches to.
type Config struct {
	Space      *vmm.AddressSpace
	Traps      *gate.Table
	Stacks     StackAllocator
	DirectMap  mm.DirectMap
	StackPages uint64
	Entry      EntryFunc
}

// Coordinator drives the bring-up of the application processors.
type Coordinator struct {
	cfg Config

	// cores is filled in before any wake vector is written and is
	// read-only afterwards.
	cores   map[uint32]*Core
	started int32
	acked   atomic.Int32
	halted  atomic.Int32
}

// NewCoordinator returns a coordinator that attaches processors to the
// resources in cfg.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Start records every processor other than the boot processor and writes the
// shared entry stub into its wake vector. It returns the number of
// processors woken.
func (c *Coordinator) Start(info *bootinfo.SMPInfo) (int, *kernel.Error) {
	if c.cores != nil {
		return 0, errAlreadyStarted
	}

	c.cores = make(map[uint32]*Core)
	var woken []*bootinfo.CPUInfo
	for _, cpuInfo := range info.CPUs {
		if cpuInfo.LAPICID == info.BSPLAPICID {
			continue
		}

		c.cores[cpuInfo.ProcessorID] = &Core{ProcessorID: cpuInfo.ProcessorID, LAPICID: cpuInfo.LAPICID}
		woken = append(woken, cpuInfo)
	}
	c.started = int32(len(woken))

	for _, cpuInfo := range woken {
		cpuInfo.ExtraArgument = uint64(cpuInfo.ProcessorID)
		c.cores[cpuInfo.ProcessorID].state.Store(uint32(Starting))
		cpuInfo.SetWakeVector(c.apEntry)
	}

	kfmt.Printf("[smp] woke %d application processors\n", len(woken))
	return len(woken), nil
}

// AwaitStartup spins until every processor woken by Start is either running
// or halted. It fails if any of them halted.
func (c *Coordinator) AwaitStartup() *kernel.Error {
	sync.SpinUntil(func() bool { return c.acked.Load() == c.started })

	if halted := c.halted.Load(); halted != 0 {
		kfmt.Printf("[smp] %d/%d application processors halted\n", halted, c.started)
		return errAPHalted
	}
	return nil
}

// Core returns the core with the given processor id.
func (c *Coordinator) Core(processorID uint32) (*Core, bool) {
	core, ok := c.cores[processorID]
	return core, ok
}

// Cores returns all application processors ordered by processor id.
func (c *Coordinator) Cores() []*Core {
	cores := make([]*Core, 0, len(c.cores))
	for _, core := range c.cores {
		cores = append(cores, core)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i].ProcessorID < cores[j].ProcessorID })
	return cores
}

// apEntry is the wake vector shared by every application processor.
func (c *Coordinator) apEntry(info *bootinfo.CPUInfo, ops cpu.Ops) {
	ops.DisableInterrupts()

	core := c.cores[uint32(info.ExtraArgument)]

	stack, err := c.cfg.Stacks.AllocPages(c.cfg.StackPages)
	if err != nil {
		kfmt.Printf("[smp] cpu %d: cannot allocate kernel stack: %s\n", core.ProcessorID, err.Message)
		c.ack(core, Halted)
		park(ops)
	}
	core.stackTop = c.cfg.DirectMap.PhysToVirt(stack + uintptr(c.cfg.StackPages)*mm.PageSize)

	core.tables.Init(core.stackTop)
	core.tables.Load(ops)
	c.cfg.Space.Activate(ops)
	c.cfg.Traps.Load(ops)

	c.ack(core, Running)
	if c.cfg.Entry != nil {
		c.cfg.Entry(ops, core)
	}
	park(ops)
}

// park halts the core for good. An AP has no caller to return to.
func park(ops cpu.Ops) {
	for {
		ops.Halt()
	}
}

func (c *Coordinator) ack(core *Core, state State) {
	core.state.Store(uint32(state))
	if state == Halted {
		c.halted.Add(1)
	}
	c.acked.Add(1)
}
