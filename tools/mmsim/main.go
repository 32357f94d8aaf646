package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/kmem"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmsim] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	ramKb := flag.Uint("ram", 4096, "the amount of simulated RAM in Kb")
	heapKb := flag.Uint("heap", 1024, "the size of the kernel heap in Kb")
	levels := flag.Uint("paging-levels", 4, "the number of page table levels (4 or 5)")
	cmdLine := flag.String("cmdline", "", "the kernel command line, e.g. loglevel=debug")
	ops := flag.Int("ops", 10000, "the number of operations of the random workload; 0 disables it")
	seed := flag.Int64("seed", 1, "the seed for the random workload")
	pngOut := flag.String("png", "", "render a frame and heap occupancy map to this PNG file")
	interactive := flag.Bool("shell", false, "start an interactive shell after the workload")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mmsim: boot the memory subsystem on a simulated machine and exercise it\n\n")
		fmt.Fprint(os.Stderr, "Usage: mmsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var mode bootinfo.PagingMode
	switch *levels {
	case 4:
		mode = bootinfo.PagingMode4Level
	case 5:
		mode = bootinfo.PagingMode5Level
	default:
		exit(errors.Newf("unsupported number of paging levels %d; supported values are: 4 or 5", *levels))
	}

	// Route kernel output through the host logger's destination.
	kfmt.AttachSink(os.Stderr)

	sim, err := boot(simConfig{
		RAM:        mm.Size(*ramKb) * mm.Kb,
		PagingMode: mode,
		CmdLine:    *cmdLine,
		Heap:       kmem.Config{HeapStart: kmem.DefaultHeapStart, HeapSize: mm.Size(*heapKb) * mm.Kb},
	})
	if err != nil {
		return err
	}
	defer sim.Close()

	if err := mm.SetAllocator(sim.ctx); err != nil {
		return errors.Wrap(err, "binding the kernel allocator")
	}

	log.Info("memory subsystem ready",
		slog.Uint64("free_frames", sim.ctx.Frames().FreeCount()),
		slog.Uint64("heap_bytes", uint64(sim.ctx.Heap().Stats().Claimed)),
	)
	for key, val := range sim.m.BootInfo().CmdLine() {
		log.Debug("kernel command line", slog.String("key", key), slog.String("value", val))
	}

	if *ops > 0 {
		res, err := runWorkload(sim, *ops, *seed, log)
		if err != nil {
			return err
		}
		log.Info("workload complete",
			slog.Int("allocs", res.Allocs),
			slog.Int("frees", res.Frees),
			slog.Int("reallocs", res.Reallocs),
			slog.Int("failed", res.Failed),
			slog.Int("live", res.Live),
		)
	}

	if *pngOut != "" {
		if err := renderOccupancy(sim, *pngOut); err != nil {
			return err
		}
		log.Info("occupancy map written", slog.String("path", *pngOut))
	}

	if *interactive {
		return runShell(sim, os.Stdin, os.Stdout)
	}

	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
