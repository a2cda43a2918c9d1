package bootinfo

import (
	"testing"

	"limeos/kernel/cpu"
)

func TestMemoryKindString(t *testing.T) {
	specs := []struct {
		kind MemoryKind
		exp  string
	}{
		{MemUsable, "usable"},
		{MemReserved, "reserved"},
		{MemACPIReclaimable, "ACPI (reclaimable)"},
		{MemACPINVS, "ACPI NVS"},
		{MemBadMemory, "bad memory"},
		{MemBootloaderReclaimable, "bootloader (reclaimable)"},
		{MemKernelAndModules, "kernel and modules"},
		{MemFramebuffer, "framebuffer"},
		{MemoryKind(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestVisitMemRegions(t *testing.T) {
	info := &Info{
		MemoryMap: []MemoryRegion{
			{Base: 0, Length: 0x1000, Kind: MemReserved},
			{Base: 0x1000, Length: 0x9f000, Kind: MemUsable},
			{Base: 0x100000, Length: 0x100000, Kind: MemUsable},
		},
	}

	t.Run("visitor can shrink regions", func(t *testing.T) {
		info.VisitMemRegions(func(r *MemoryRegion) bool {
			if r.Kind == MemUsable {
				r.Base += 0x1000
				r.Length -= 0x1000
				return false
			}
			return true
		})

		if exp, got := uint64(0x2000), info.MemoryMap[1].Base; got != exp {
			t.Fatalf("expected region base to be %x; got %x", exp, got)
		}
		if exp, got := uint64(0x100000), info.MemoryMap[2].Base; got != exp {
			t.Fatalf("expected scan to abort before the last region; base is %x", got)
		}
		if exp, got := uint64(0xa0000), info.MemoryMap[1].End(); got != exp {
			t.Fatalf("expected region end to stay at %x; got %x", exp, got)
		}
	})

	t.Run("visits every region", func(t *testing.T) {
		var count int
		info.VisitMemRegions(func(_ *MemoryRegion) bool {
			count++
			return true
		})

		if exp := len(info.MemoryMap); count != exp {
			t.Fatalf("expected visitor to be called %d times; got %d", exp, count)
		}
	})
}

func TestInitrd(t *testing.T) {
	var info Info
	if _, ok := info.Initrd(); ok {
		t.Fatal("expected Initrd to report a missing module")
	}

	info.Modules = []Module{{Path: "/boot/initrd.tar", Address: 0xffff800000200000, Size: 8192}}
	mod, ok := info.Initrd()
	if !ok {
		t.Fatal("expected Initrd to return the first module")
	}
	if mod.Path != "/boot/initrd.tar" {
		t.Fatalf("expected module path %q; got %q", "/boot/initrd.tar", mod.Path)
	}
}

func TestWakeVector(t *testing.T) {
	var info CPUInfo
	if info.WakeVector() != nil {
		t.Fatal("expected parked CPU to have no wake vector")
	}

	var woken uint32
	info.SetWakeVector(func(c *CPUInfo, _ cpu.Ops) { woken = c.LAPICID })
	info.LAPICID = 3

	fn := info.WakeVector()
	if fn == nil {
		t.Fatal("expected wake vector to be installed")
	}
	fn(&info, nil)

	if woken != 3 {
		t.Fatalf("expected wake vector to receive the CPU record; got LAPIC id %d", woken)
	}
}
