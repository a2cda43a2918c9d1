//go:build baremetal

package main

import (
	"limeos/kernel"
	"limeos/kernel/cpu"
	"limeos/kernel/hal/bootinfo"
	"limeos/kernel/kfmt"
	"limeos/kernel/kmain"
	"limeos/kernel/smp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// bootInfo is filled in by the rt0 code from the boot loader's responses
// before main runs. It is a global so the compiler cannot fold it away.
var bootInfo bootinfo.Info

// main is the only Go symbol the rt0 code calls. It runs the memory core
// bring-up on the boot processor and never returns.
func main() {
	var ops cpu.Native

	if _, err := kmain.Boot(ops, &bootInfo, kmain.DefaultConfig(), idle); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Panic(errKmainReturned)
}

// idle is the entry point of application processors once they run in the
// kernel address space.
func idle(ops cpu.Ops, _ *smp.Core) {
	for {
		ops.Halt()
	}
}
