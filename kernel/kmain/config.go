package kmain

import "limeos/kernel/mm"

// Config holds the tunables of the memory bring-up.
type Config struct {
	// LowMemorySize is the size of the physical range, starting at 0, that
	// is identity mapped and aliased in the direct map.
	LowMemorySize mm.Size `toml:"low_memory_size"`

	// KernelStackPages is the size of each core's ring-0 stack.
	KernelStackPages uint64 `toml:"kernel_stack_pages"`

	// HeapBase and HeapSize describe the virtual range backed for the
	// kernel heap. A zero HeapSize skips the heap.
	HeapBase uint64  `toml:"heap_base"`
	HeapSize mm.Size `toml:"heap_size"`
}

// DefaultConfig returns the configuration used on real hardware.
func DefaultConfig() Config {
	return Config{
		LowMemorySize:    4 * mm.Gb,
		KernelStackPages: 4,
		HeapBase:         0x1000000,
		HeapSize:         4 * mm.Mb,
	}
}
