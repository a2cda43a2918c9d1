package emu

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/mm"
	"limeos/kernel/sync"
)

// initrdPath is the module path reported for the initrd.
const initrdPath = "/boot/initrd.tar"

// fillPattern is written over all physical memory at power-on so code that
// forgets to zero a frame is caught.
const fillPattern = 0xcccccccccccccccc

// Machine is an emulated computer in the state the boot loader leaves it in.
type Machine struct {
	cfg    Config
	log    logrus.FieldLogger
	layout *layout

	// mem backs physical memory; base is its first 2MiB-aligned address
	// and doubles as the direct map offset.
	mem  []uint64
	base uintptr
	dm   mm.DirectMap

	loaderRoot uintptr
	info       bootinfo.Info
	cpus       []*CPU
}

// NewMachine powers on a machine described by cfg and runs the boot loader:
// it lays out physical memory, builds the loader's page tables, loads the
// kernel image and the initrd and parks every processor but the first.
func NewMachine(cfg Config, log logrus.FieldLogger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l, err := newLayout(cfg)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	// Emulated processors are goroutines, so busy-wait loops in the kernel
	// must let the scheduler run the core they are waiting for.
	sync.SetYieldHandler(runtime.Gosched)

	m := &Machine{cfg: cfg, log: log, layout: l}
	m.mem = make([]uint64, (l.memorySize+hugePageSize)/8)
	m.base = mm.AlignUp(uintptr(unsafe.Pointer(&m.mem[0])), hugePageSize)
	m.dm = mm.NewDirectMap(m.base)

	for i := range m.mem {
		m.mem[i] = fillPattern
	}

	m.buildLoaderTables()
	m.loadImages()
	m.buildBootInfo()

	for id := 0; id < cfg.CPUs; id++ {
		stackTop := l.stacksBase + uintptr(id+1)*uintptr(apStackSize)
		m.cpus = append(m.cpus, newCPU(m, uint32(id), m.dm.PhysToVirt(stackTop)-16))
	}

	log.WithFields(logrus.Fields{
		"memory": fmt.Sprintf("%dMb", l.memorySize/uintptr(mm.Mb)),
		"cpus":   cfg.CPUs,
		"hhdm":   fmt.Sprintf("0x%x", m.base),
	}).Debug("machine powered on")

	return m, nil
}

func (m *Machine) buildLoaderTables() {
	l := m.layout
	alloc := &loaderAllocator{m: m, next: l.loaderBase, end: l.stacksBase}
	m.loaderRoot = alloc.alloc()

	step, leafLevel := mm.PageSize, 3
	if m.cfg.HugeDirectMap {
		step, leafLevel = hugePageSize, 2
	}
	for phys := uintptr(0); phys < l.memorySize; phys += step {
		m.mapLoaderPage(alloc, m.loaderRoot, phys, m.dm.PhysToVirt(phys), pteRW|pteNX, leafLevel)
	}

	// Text and rodata are read-only and executable; the request page and
	// data/bss are writable.
	roPages, _, _ := l.kernelSections()
	for page := 0; page < l.kernelPages; page++ {
		flags := pteRW | pteNX
		if page < roPages {
			flags = 0
		}

		offset := uintptr(page) * mm.PageSize
		m.mapLoaderPage(alloc, m.loaderRoot, l.kernelPhys+offset, mm.KernelCodeOffset+offset, flags, 3)
	}
}

func (m *Machine) loadImages() {
	l := m.layout

	copy(m.PhysMem(rsdpPhysAddr, 8), "RSD PTR ")

	initrd := m.PhysMem(l.initrdPhys, l.initrdSize)
	for i := range initrd {
		initrd[i] = byte(i)
	}
}

func (m *Machine) buildBootInfo() {
	l := m.layout
	roPages, requestPage, _ := l.kernelSections()
	kernelAddr := func(page int) uintptr {
		return mm.KernelCodeOffset + uintptr(page)*mm.PageSize
	}

	m.info = bootinfo.Info{
		HHDMOffset: m.base,
		MemoryMap:  append([]bootinfo.MemoryRegion(nil), l.regions...),
		Framebuffers: []bootinfo.Framebuffer{{
			Address: m.dm.PhysToVirt(l.framebuffer),
			Width:   fbWidth,
			Height:  fbHeight,
			Pitch:   fbWidth * fbBPP / 8,
			BPP:     fbBPP,
		}},
		RSDP: rsdpPhysAddr,
		KernelAddress: bootinfo.KernelAddress{
			PhysicalBase: l.kernelPhys,
			VirtualBase:  mm.KernelCodeOffset,
		},
		Sections: bootinfo.KernelSections{
			ReadOnly: bootinfo.Range{Start: kernelAddr(0), End: kernelAddr(roPages)},
			Requests: bootinfo.Range{Start: kernelAddr(requestPage), End: kernelAddr(requestPage + 1)},
			Writable: bootinfo.Range{Start: kernelAddr(requestPage + 1), End: kernelAddr(l.kernelPages)},
		},
		SMP: &bootinfo.SMPInfo{BSPLAPICID: 0},
	}

	if l.initrdSize != 0 {
		m.info.Modules = []bootinfo.Module{{
			Path:    initrdPath,
			Address: m.dm.PhysToVirt(l.initrdPhys),
			Size:    uint64(l.initrdSize),
		}}
	}

	for id := 0; id < m.cfg.CPUs; id++ {
		m.info.SMP.CPUs = append(m.info.SMP.CPUs, &bootinfo.CPUInfo{
			ProcessorID: uint32(id),
			LAPICID:     uint32(id),
		})
	}
}

// BootInfo returns the boot loader responses handed to the kernel.
func (m *Machine) BootInfo() *bootinfo.Info {
	return &m.info
}

// DirectMap returns the boot loader's direct map.
func (m *Machine) DirectMap() mm.DirectMap {
	return m.dm
}

// LoaderRoot returns the physical address of the boot loader's root table.
func (m *Machine) LoaderRoot() uintptr {
	return m.loaderRoot
}

// MemorySize returns the amount of physical memory.
func (m *Machine) MemorySize() uintptr {
	return m.layout.memorySize
}

// BSP returns the boot processor.
func (m *Machine) BSP() *CPU {
	return m.cpus[0]
}

// CPUs returns all processors, boot processor first.
func (m *Machine) CPUs() []*CPU {
	return m.cpus
}

// PhysMem returns a view of size bytes of physical memory starting at phys.
func (m *Machine) PhysMem(phys, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	if phys+size > m.layout.memorySize {
		panic(fmt.Sprintf("emu: physical range [0x%x, 0x%x) is out of bounds", phys, phys+size))
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(m.dm.PhysToVirt(phys))), size)
}

// StartAPs runs every application processor on its own goroutine. Each one
// stays parked until the kernel writes its wake vector or ctx is done. The
// returned function waits for all of them to stop and reports processors
// that triple faulted.
func (m *Machine) StartAPs(ctx context.Context) func() error {
	var g errgroup.Group

	for index, c := range m.cpus {
		if index == 0 {
			continue
		}

		info := m.info.SMP.CPUs[index]
		g.Go(func() error {
			wake := waitForWakeVector(ctx, info)
			if wake == nil {
				return nil
			}

			c.log.Debug("woken")
			if exit := c.Run(func() { wake(info, c) }); exit == ExitTripleFault {
				return fmt.Errorf("emu: cpu %d: %w", c.id, ErrTripleFault)
			}
			return nil
		})
	}

	return g.Wait
}

func waitForWakeVector(ctx context.Context, info *bootinfo.CPUInfo) bootinfo.WakeFunc {
	for {
		if wake := info.WakeVector(); wake != nil {
			return wake
		}

		select {
		case <-ctx.Done():
			return nil
		default:
			runtime.Gosched()
		}
	}
}
