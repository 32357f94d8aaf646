package main

import (
	"github.com/DraftedDev/Subatomic-OS/kernel/hal/bootinfo"
	"github.com/DraftedDev/Subatomic-OS/kernel/kfmt"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/kmem"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/memsim"
	"github.com/cockroachdb/errors"
)

type simConfig struct {
	RAM        mm.Size
	PagingMode bootinfo.PagingMode
	CmdLine    string
	Heap       kmem.Config
}

// simulator couples a simulated machine with the memory subsystem that was
// booted on it.
type simulator struct {
	m   *memsim.Machine
	ctx *kmem.Context
}

// boot creates a machine with cfg.RAM bytes of available memory starting at
// physical address 0 and runs the memory subsystem initialization on it.
func boot(cfg simConfig) (*simulator, error) {
	if cfg.RAM < mm.Size(mm.PageSize) {
		return nil, errors.Newf("at least %d bytes of RAM are required; got %d", mm.PageSize, cfg.RAM)
	}

	m, err := memsim.New(memsim.Config{
		Regions:    []bootinfo.MemoryMapEntry{{PhysAddress: 0, Length: uint64(cfg.RAM), Type: bootinfo.MemAvailable}},
		PagingMode: cfg.PagingMode,
		CmdLine:    cfg.CmdLine,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating simulated machine")
	}

	if name, ok := m.BootInfo().CmdLineValue("loglevel"); ok {
		level, ok := kfmt.ParseLevel(name)
		if !ok {
			m.Close()
			return nil, errors.Newf("unknown log level %q", name)
		}
		kfmt.SetLogLevel(level)
	}

	ctx := kmem.New(m.BootInfo(), m, m, cfg.Heap)
	if kErr := ctx.Init(); kErr != nil {
		m.Close()
		return nil, errors.Wrapf(kErr, "booting memory subsystem (state: %s)", ctx.State())
	}

	return &simulator{m: m, ctx: ctx}, nil
}

// Close releases the simulated RAM.
func (s *simulator) Close() error {
	return s.m.Close()
}
