package kfmt

import (
	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/cpu"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// heapReadyFn reports whether the kernel heap can serve allocations.
	heapReadyFn = mm.IsInit

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// heapNotReadyMsg replaces the message of error values whose Error method
// cannot be safely invoked because the heap is not available yet.
const heapNotReadyMsg = "<heap not initialized>"

// Panic outputs the supplied error (if not nil) to all attached sinks and
// halts the CPU. Calls to Panic never return.
//
// Error values other than *kernel.Error may allocate when formatted; until
// the heap is ready Panic prints a placeholder instead of calling their Error
// method.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = heapNotReadyMsg
		if heapReadyFn() {
			errRuntimePanic.Message = t.Error()
		}
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
