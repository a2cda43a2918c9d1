// Package emu models an x86_64 machine as it looks right after a
// Limine-style boot loader hands over control: physical memory with a
// memory map, the loader's page tables with the kernel image and a direct
// map, loaded modules and parked application processors. Physical memory is
// a host buffer and the direct map offset is the buffer's address, so kernel
// code that reaches physical memory through the direct map runs unchanged.
package emu

import (
	"errors"
	"fmt"

	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/mm"
)

// Config describes the emulated machine.
type Config struct {
	// MemorySize is the amount of physical memory. It is rounded up to
	// a multiple of 2MiB.
	MemorySize mm.Size `toml:"memory_size"`

	// CPUs is the number of processors, including the boot processor.
	CPUs int `toml:"cpus"`

	// Regions overrides the kind of parts of the usable memory, e.g. to
	// punch reserved holes into it.
	Regions []bootinfo.MemoryRegion `toml:"regions,omitempty"`

	// KernelPages is the size of the loaded kernel image in pages.
	KernelPages int `toml:"kernel_pages"`

	// InitrdSize is the size of the initrd module. Zero means no module
	// is loaded.
	InitrdSize mm.Size `toml:"initrd_size"`

	// HugeDirectMap makes the boot loader build its direct map out of
	// 2MiB pages.
	HugeDirectMap bool `toml:"huge_direct_map"`
}

// DefaultConfig returns a small four-core machine.
func DefaultConfig() Config {
	return Config{
		MemorySize:  64 * mm.Mb,
		CPUs:        4,
		KernelPages: 64,
		InitrdSize:  256 * mm.Kb,
	}
}

var (
	errTooLittleMemory = errors.New("emu: memory size must be at least 8Mb")
	errNoCPUs          = errors.New("emu: at least one CPU is required")
	errKernelSize      = errors.New("emu: the kernel image needs at least 4 pages")
)

// Validate checks that the configuration describes a machine that can be
// laid out.
func (c *Config) Validate() error {
	if c.MemorySize < 8*mm.Mb {
		return errTooLittleMemory
	}
	if c.CPUs < 1 {
		return errNoCPUs
	}
	if c.KernelPages < 4 {
		return errKernelSize
	}
	for _, r := range c.Regions {
		if r.Length == 0 || r.Base%uint64(mm.PageSize) != 0 || r.Length%uint64(mm.PageSize) != 0 {
			return fmt.Errorf("emu: region [0x%x, 0x%x) must be non-empty and page-aligned", r.Base, r.End())
		}
	}
	return nil
}
