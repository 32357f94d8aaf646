package kmain

import (
	"github.com/DraftedDev/Subatomic-OS/kernel"
	"github.com/DraftedDev/Subatomic-OS/kernel/cpu"
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/kmem"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	errPagingModeMismatch = &kernel.Error{Module: "kmain", Message: "bootloader paging mode does not match the CPU configuration"}

	// The following are mocked by tests.
	physMem        mm.Memory = mm.DirectMemory{}
	mmu            vmm.MMU   = vmm.CPU{}
	memConfig                = kmem.DefaultConfig()
	setAllocatorFn           = mm.SetAllocator
	panicFn                  = kfmt.Panic
	pagingLevelsFn           = cpu.PagingLevels
)

// Kmain is invoked by the arch-specific entry code once the bootloader
// handed over control. info describes the physical memory map, the direct
// map offset and the paging mode set up by the bootloader.
//
// Kmain is not expected to return. If it does, the entry code will halt the
// CPU.
//
//go:noinline
func Kmain(info *bootinfo.Info) {
	if name, ok := info.CmdLineValue("loglevel"); ok {
		if level, ok := kfmt.ParseLevel(name); ok {
			kfmt.SetLogLevel(level)
		} else {
			kfmt.Logf(kfmt.LevelWarn, "ignoring unknown log level: %s", name)
		}
	}

	kfmt.Logf(kfmt.LevelInfo, "starting Subatomic-OS")

	if bootLevels, cpuLevels := info.PagingMode.Levels(), pagingLevelsFn(); bootLevels != cpuLevels {
		kfmt.Logf(kfmt.LevelError, "bootloader reported %d-level paging but CR4 selects %d levels", bootLevels, cpuLevels)
		panicFn(errPagingModeMismatch)
		return
	}

	ctx := kmem.New(info, physMem, mmu, memConfig)

	var err *kernel.Error
	if err = setAllocatorFn(ctx); err != nil {
		panicFn(err)
		return
	} else if err = ctx.Init(); err != nil {
		panicFn(err)
		return
	}

	// Use panicFn instead of panic to prevent the compiler from treating
	// kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
