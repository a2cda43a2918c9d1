package gate

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"limeos/kernel/cpu"
	"limeos/kernel/kfmt"
)

type fakeOps struct {
	cpu.Ops
	idtBase  uintptr
	idtLimit uint16
	route    func(vector uint8, errorCode uint64, rip uintptr)
}

func (f *fakeOps) LoadIDT(base uintptr, limit uint16) {
	f.idtBase, f.idtLimit = base, limit
}

type routingOps struct {
	fakeOps
}

func (r *routingOps) RouteTraps(fn func(vector uint8, errorCode uint64, rip uintptr)) {
	r.route = fn
}

func TestDescriptorEncoding(t *testing.T) {
	handler := uintptr(0xffffffff80123456)
	d := NewDescriptor(handler, 0x28, AttrInterruptGate)

	if got := d.Offset(); got != handler {
		t.Fatalf("expected offset 0x%x; got 0x%x", handler, got)
	}
	if d.Selector != 0x28 {
		t.Fatalf("expected selector 0x28; got 0x%x", d.Selector)
	}
	if !d.Present() {
		t.Fatal("expected descriptor to be present")
	}
	if exp, got := uintptr(16), unsafe.Sizeof(d); got != exp {
		t.Fatalf("expected descriptor size %d; got %d", exp, got)
	}
}

func TestHasErrorCode(t *testing.T) {
	withCode := map[InterruptNumber]bool{
		8: true, 10: true, 11: true, 12: true, 13: true, 14: true,
		17: true, 21: true, 29: true, 30: true,
	}

	for vector := InterruptNumber(0); vector < NumVectors; vector++ {
		if got := vector.HasErrorCode(); got != withCode[vector] {
			t.Errorf("vector %d: expected HasErrorCode() = %t", vector, withCode[vector])
		}
	}
}

func TestTableInit(t *testing.T) {
	var table Table

	if err := table.Init(EntryPoints()[:3], 0x28); err != errEntryPointCount {
		t.Fatalf("expected errEntryPointCount; got %v", err)
	}

	entries := EntryPoints()
	if err := table.Init(entries, 0x28); err != nil {
		t.Fatal(err)
	}

	for vector := InterruptNumber(0); vector < NumVectors; vector++ {
		d := table.Descriptor(vector)
		if d.Offset() != entries[vector] {
			t.Errorf("vector %d: expected offset 0x%x; got 0x%x", vector, entries[vector], d.Offset())
		}
		if d.Selector != 0x28 || d.TypeAttr != AttrInterruptGate {
			t.Errorf("vector %d: unexpected selector/attributes %x/%x", vector, d.Selector, d.TypeAttr)
		}
	}
}

func TestTableLoad(t *testing.T) {
	var table Table
	if err := table.Init(EntryPoints(), 0x28); err != nil {
		t.Fatal(err)
	}
	if err := table.HandleInterrupt(NumVectors, func(cpu.Ops, *Registers) {}); err != errInvalidVector {
		t.Fatalf("expected errInvalidVector; got %v", err)
	}
	if err := table.HandleInterrupt(Breakpoint, func(cpu.Ops, *Registers) {}); err != nil {
		t.Fatal(err)
	}

	ops := &fakeOps{}
	table.Load(ops)

	if exp := uintptr(unsafe.Pointer(&table.idt[0])); ops.idtBase != exp {
		t.Fatalf("expected IDT base 0x%x; got 0x%x", exp, ops.idtBase)
	}
	if exp := uint16(NumVectors*16 - 1); ops.idtLimit != exp {
		t.Fatalf("expected IDT limit %d; got %d", exp, ops.idtLimit)
	}
	if !table.Sealed() {
		t.Fatal("expected table to be sealed after Load")
	}

	if err := table.HandleInterrupt(Breakpoint, nil); err != errTableSealed {
		t.Fatalf("expected errTableSealed; got %v", err)
	}
	if err := table.Init(EntryPoints(), 0x28); err != errTableSealed {
		t.Fatalf("expected errTableSealed; got %v", err)
	}
}

func TestTrampoline(t *testing.T) {
	var (
		table Table
		got   Registers
	)
	for _, vector := range []InterruptNumber{Breakpoint, PageFaultException, TimerIRQ} {
		if err := table.HandleInterrupt(vector, func(_ cpu.Ops, regs *Registers) { got = *regs }); err != nil {
			t.Fatal(err)
		}
	}

	specs := []struct {
		vector  InterruptNumber
		errCode uint64
		expCode uint64
	}{
		{Breakpoint, 0xdead, 0},
		{PageFaultException, 0x7, 0x7},
		{TimerIRQ, 0x1, 0},
	}

	for _, spec := range specs {
		table.Trampoline(&fakeOps{}, spec.vector, spec.errCode, Registers{RIP: 0x1000})
		if got.Vector != uint64(spec.vector) || got.ErrorCode != spec.expCode || got.RIP != 0x1000 {
			t.Errorf("vector %d: unexpected dispatched registers %+v", spec.vector, got)
		}
	}
}

func TestRouteTraps(t *testing.T) {
	var (
		table   Table
		handled uint64
	)
	if err := table.Init(EntryPoints(), 0x28); err != nil {
		t.Fatal(err)
	}
	if err := table.HandleInterrupt(GPFException, func(_ cpu.Ops, regs *Registers) {
		handled = regs.ErrorCode
		if regs.CS != 0x28 {
			t.Errorf("expected CS 0x28; got 0x%x", regs.CS)
		}
	}); err != nil {
		t.Fatal(err)
	}

	ops := &routingOps{}
	table.Load(ops)
	if ops.route == nil {
		t.Fatal("expected Load to register a trap route")
	}

	ops.route(uint8(GPFException), 0x10, 0x2000)
	if handled != 0x10 {
		t.Fatalf("expected handler to observe error code 0x10; got 0x%x", handled)
	}
}

func TestDispatchUnhandled(t *testing.T) {
	var (
		buf    bytes.Buffer
		halted bool
		table  Table
	)
	kfmt.SetOutputSink(&buf)
	kfmt.SetHaltHandler(func() { halted = true })
	defer kfmt.SetOutputSink(nil)

	table.Dispatch(&fakeOps{}, &Registers{Vector: uint64(InvalidOpcode), RIP: 0xbadf00d})

	if !halted {
		t.Fatal("expected unhandled trap to halt")
	}

	out := buf.String()
	for _, exp := range []string{
		"Unhandled interrupt 6",
		"RIP = 000000000badf00d",
		"[gate] unrecoverable error: unhandled interrupt",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}
