package emu

import (
	"fmt"
	"sort"

	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/mm"
)

// Fixed parts of the physical layout.
const (
	lowUsableEnd   = 0x9f000
	kernelPhysBase = 0x100000
	rsdpPhysAddr   = 0xe0000

	// apStackSize matches the stack size the kernel requests from the
	// boot loader.
	apStackSize = 64 * mm.Kb

	fbWidth  = 320
	fbHeight = 200
	fbBPP    = 32
)

// layout records where the boot loader placed everything.
type layout struct {
	memorySize uintptr

	kernelPhys  uintptr
	kernelPages int

	initrdPhys uintptr
	initrdSize uintptr

	// loaderBase..loaderEnd is bootloader-reclaimable memory holding
	// the loader's page tables followed by one stack per CPU.
	loaderBase  uintptr
	loaderEnd   uintptr
	stacksBase  uintptr
	framebuffer uintptr

	regions []bootinfo.MemoryRegion
}

func pageAlign(v uintptr) uintptr {
	return mm.AlignUp(v, mm.PageSize)
}

// loaderTablePages estimates how many page tables the boot loader needs for
// its direct map and kernel mapping.
func loaderTablePages(memorySize uintptr) uintptr {
	return memorySize/(2*uintptr(mm.Mb)) + memorySize/uintptr(mm.Gb) + 16
}

func newLayout(cfg Config) (*layout, error) {
	l := &layout{
		memorySize:  mm.AlignUp(uintptr(cfg.MemorySize), 2*uintptr(mm.Mb)),
		kernelPhys:  kernelPhysBase,
		kernelPages: cfg.KernelPages,
	}

	next := l.kernelPhys + uintptr(cfg.KernelPages)*mm.PageSize
	l.initrdPhys = next
	l.initrdSize = uintptr(cfg.InitrdSize)
	next = pageAlign(next + l.initrdSize)

	l.loaderBase = next
	l.stacksBase = l.loaderBase + loaderTablePages(l.memorySize)*mm.PageSize
	l.loaderEnd = l.stacksBase + uintptr(cfg.CPUs)*uintptr(apStackSize)

	fbSize := pageAlign(fbWidth * fbHeight * fbBPP / 8)
	l.framebuffer = l.memorySize - fbSize

	if l.loaderEnd+mm.PageSize > l.framebuffer {
		return nil, fmt.Errorf("emu: %d bytes of memory cannot hold the kernel, modules and boot loader data", l.memorySize)
	}

	l.regions = []bootinfo.MemoryRegion{
		{Base: 0, Length: lowUsableEnd, Kind: bootinfo.MemUsable},
		{Base: lowUsableEnd, Length: kernelPhysBase - lowUsableEnd, Kind: bootinfo.MemReserved},
		{Base: uint64(l.kernelPhys), Length: uint64(l.loaderBase - l.kernelPhys), Kind: bootinfo.MemKernelAndModules},
		{Base: uint64(l.loaderBase), Length: uint64(l.loaderEnd - l.loaderBase), Kind: bootinfo.MemBootloaderReclaimable},
		{Base: uint64(l.loaderEnd), Length: uint64(l.framebuffer - l.loaderEnd), Kind: bootinfo.MemUsable},
		{Base: uint64(l.framebuffer), Length: uint64(fbSize), Kind: bootinfo.MemFramebuffer},
	}

	for _, r := range cfg.Regions {
		var err error
		if l.regions, err = overlay(l.regions, r); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// overlay replaces the part of the usable regions covered by r with r. It
// refuses to override anything but usable memory.
func overlay(regions []bootinfo.MemoryRegion, r bootinfo.MemoryRegion) ([]bootinfo.MemoryRegion, error) {
	out := make([]bootinfo.MemoryRegion, 0, len(regions)+2)
	covered := uint64(0)

	for _, cur := range regions {
		if cur.End() <= r.Base || cur.Base >= r.End() {
			out = append(out, cur)
			continue
		}

		if cur.Kind != bootinfo.MemUsable {
			return nil, fmt.Errorf("emu: region [0x%x, 0x%x) overlaps %s memory", r.Base, r.End(), cur.Kind)
		}

		if cur.Base < r.Base {
			out = append(out, bootinfo.MemoryRegion{Base: cur.Base, Length: r.Base - cur.Base, Kind: cur.Kind})
		}
		if cur.End() > r.End() {
			out = append(out, bootinfo.MemoryRegion{Base: r.End(), Length: cur.End() - r.End(), Kind: cur.Kind})
		}
		covered += min(cur.End(), r.End()) - max(cur.Base, r.Base)
	}

	if covered != r.Length {
		return nil, fmt.Errorf("emu: region [0x%x, 0x%x) extends past physical memory", r.Base, r.End())
	}

	out = append(out, r)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}

// kernelSections splits the kernel image into text/rodata, the boot request
// page and data/bss, returning page offsets into the image.
func (l *layout) kernelSections() (roPages, requestPage, rwPages int) {
	roPages = l.kernelPages / 2
	requestPage = roPages
	rwPages = l.kernelPages - roPages - 1
	return roPages, requestPage, rwPages
}
