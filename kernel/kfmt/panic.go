package kfmt

import "limeos/kernel"

var (
	// haltFn stops the calling core. It is replaced at boot with the
	// CPU's halt operation and by tests.
	haltFn = func() {
		for {
		}
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltHandler registers fn as the operation Panic uses to stop the
// calling core.
func SetHaltHandler(fn func()) {
	if fn != nil {
		haltFn = fn
	}
}

// Panic outputs the supplied error (if not nil) and halts the calling core.
// Calls to Panic never return when a real halt handler is installed.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn()
}
