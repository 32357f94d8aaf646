package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/cpu"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		heapReadyFn = mm.IsInit
		DetachSinks()
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		name      string
		heapReady bool
		input     interface{}
		exp       string
	}{
		{
			"with *kernel.Error",
			false,
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error and heap ready",
			true,
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error before heap init",
			false,
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: <heap not initialized>\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			false,
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			false,
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var buf bytes.Buffer
			DetachSinks()
			AttachSink(&buf)
			cpuHaltCalled = false
			heapReadyFn = func() bool { return spec.heapReady }

			Panic(spec.input)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func TestPanicWritesToAllSinks(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		DetachSinks()
	}()
	cpuHaltFn = func() {}

	var serial, terminal bytes.Buffer
	DetachSinks()
	AttachSink(&serial)
	AttachSink(&terminal)

	Panic(&kernel.Error{Module: "kmem", Message: "boom"})

	if serial.Len() == 0 || serial.String() != terminal.String() {
		t.Fatalf("expected identical panic output on every sink; got %q and %q", serial.String(), terminal.String())
	}
}
