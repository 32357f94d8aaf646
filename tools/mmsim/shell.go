package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/DraftedDev/Subatomic-OS/kernel/mm"
	"github.com/DraftedDev/Subatomic-OS/kernel/mm/vmm"
	"github.com/cockroachdb/errors"
	"github.com/pkg/term/termios"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const shellPrompt = "mmsim> "

var errQuit = errors.New("quit")

// shell executes commands against a booted simulator. It remembers the
// layout of every block allocated through it so that blocks can be
// referenced by address only.
type shell struct {
	sim    *simulator
	blocks map[uintptr]mm.Layout
}

func newShell(sim *simulator) *shell {
	return &shell{sim: sim, blocks: make(map[uintptr]mm.Layout)}
}

// runShell reads commands from in until EOF or "quit". When in is a terminal
// it is switched to raw mode and line editing is provided by x/term.
func runShell(sim *simulator, in io.Reader, out io.Writer) error {
	sh := newShell(sim)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return sh.runTerminal(f, out)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := sh.execLine(out, scanner.Text()); err != nil {
			if err == errQuit {
				return nil
			}
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
	return scanner.Err()
}

func (sh *shell) runTerminal(f *os.File, out io.Writer) error {
	var origTermios unix.Termios
	if err := termios.Tcgetattr(f.Fd(), &origTermios); err != nil {
		return errors.Wrap(err, "reading terminal attributes")
	}

	raw := origTermios
	raw.Lflag &^= unix.ICANON | unix.ECHO
	if err := termios.Tcsetattr(f.Fd(), termios.TCSANOW, &raw); err != nil {
		return errors.Wrap(err, "enabling raw mode")
	}
	defer termios.Tcsetattr(f.Fd(), termios.TCSANOW, &origTermios)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{f, out}, shellPrompt)

	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if err := sh.execLine(t, line); err != nil {
			if err == errQuit {
				return nil
			}
			fmt.Fprintf(t, "error: %s\n", err)
		}
	}
}

// execLine runs a single command and writes its output to w. It returns
// errQuit if the shell should exit.
func (sh *shell) execLine(w io.Writer, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch cmd, args := args[0], args[1:]; cmd {
	case "alloc":
		return sh.alloc(w, args)
	case "free":
		return sh.free(w, args)
	case "realloc":
		return sh.realloc(w, args)
	case "stats":
		return sh.stats(w)
	case "map":
		return sh.mapRange(w, args)
	case "translate":
		return sh.translate(w, args)
	case "validate":
		if err := sh.sim.ctx.Heap().Validate(); err != nil {
			return err
		}
		fmt.Fprintln(w, "heap ok")
		return nil
	case "dump":
		sh.sim.ctx.Heap().DebugLogChunks(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
		return nil
	case "blocks":
		return sh.listBlocks(w)
	case "cmdline":
		return sh.cmdLine(w)
	case "help":
		fmt.Fprint(w, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return errors.Newf("unknown command %q; type help for a list of commands", cmd)
	}
}

const helpText = `commands:
  alloc <size> [align]     allocate a block
  free <addr>              release a block
  realloc <addr> <size>    resize a block
  blocks                   list the blocks allocated from the shell
  stats                    show heap and frame allocator counters
  cmdline                  show the parsed kernel command line
  map <phys> [size]        map a physical range into the direct map
  translate <virt>         translate a virtual address
  validate                 check the heap metadata
  dump                     list every heap chunk
  quit                     exit the shell
`

func parseArgs(args []string, min, max int, usage string) ([]uint64, error) {
	if len(args) < min || len(args) > max {
		return nil, errors.Newf("usage: %s", usage)
	}

	vals := make([]uint64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid number %q", arg)
		}
		vals[i] = v
	}
	return vals, nil
}

func (sh *shell) alloc(w io.Writer, args []string) error {
	vals, err := parseArgs(args, 1, 2, "alloc <size> [align]")
	if err != nil {
		return err
	}

	align := uint64(8)
	if len(vals) == 2 {
		align = vals[1]
	}

	layout, kErr := mm.NewLayout(uintptr(vals[0]), uintptr(align))
	if kErr != nil {
		return kErr
	}

	ptr := sh.sim.ctx.Alloc(layout)
	if ptr == 0 {
		return errors.Newf("unable to allocate %d bytes", layout.Size)
	}

	sh.blocks[ptr] = layout
	fmt.Fprintf(w, "0x%x\n", ptr)
	return nil
}

func (sh *shell) lookup(addr uint64) (uintptr, mm.Layout, error) {
	ptr := uintptr(addr)
	layout, ok := sh.blocks[ptr]
	if !ok {
		return 0, layout, errors.Newf("0x%x was not allocated from this shell", ptr)
	}
	return ptr, layout, nil
}

func (sh *shell) free(w io.Writer, args []string) error {
	vals, err := parseArgs(args, 1, 1, "free <addr>")
	if err != nil {
		return err
	}

	ptr, layout, err := sh.lookup(vals[0])
	if err != nil {
		return err
	}

	sh.sim.ctx.Dealloc(ptr, layout)
	delete(sh.blocks, ptr)
	fmt.Fprintf(w, "released %d bytes at 0x%x\n", layout.Size, ptr)
	return nil
}

func (sh *shell) realloc(w io.Writer, args []string) error {
	vals, err := parseArgs(args, 2, 2, "realloc <addr> <size>")
	if err != nil {
		return err
	}

	ptr, layout, err := sh.lookup(vals[0])
	if err != nil {
		return err
	}

	newPtr := sh.sim.ctx.Realloc(ptr, layout, uintptr(vals[1]))
	if newPtr == 0 {
		return errors.Newf("unable to resize 0x%x to %d bytes; the block is unchanged", ptr, vals[1])
	}

	delete(sh.blocks, ptr)
	sh.blocks[newPtr] = layout.WithSize(uintptr(vals[1]))
	fmt.Fprintf(w, "0x%x\n", newPtr)
	return nil
}

func (sh *shell) listBlocks(w io.Writer) error {
	ptrs := make([]uintptr, 0, len(sh.blocks))
	for ptr := range sh.blocks {
		ptrs = append(ptrs, ptr)
	}
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })

	for _, ptr := range ptrs {
		layout := sh.blocks[ptr]
		fmt.Fprintf(w, "0x%x\tsize %d\talign %d\n", ptr, layout.Size, layout.Align)
	}
	return nil
}

func (sh *shell) cmdLine(w io.Writer) error {
	args := sh.sim.m.BootInfo().CmdLine()
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(w, "%s=%s\n", key, args[key])
	}
	return nil
}

func (sh *shell) stats(w io.Writer) error {
	stats := sh.sim.ctx.Heap().Stats()
	fmt.Fprintf(w, "heap: claimed %d, in use %d, free %d, allocations %d\n", stats.Claimed, stats.InUse, stats.Free, stats.Allocations)
	fmt.Fprintf(w, "frames: %d free\n", sh.sim.ctx.Frames().FreeCount())
	fmt.Fprintf(w, "tlb flushes: %d\n", sh.sim.m.FlushCount())
	return nil
}

func (sh *shell) mapRange(w io.Writer, args []string) error {
	vals, err := parseArgs(args, 1, 2, "map <phys> [size]")
	if err != nil {
		return err
	}

	size := uint64(mm.PageSize)
	if len(vals) == 2 {
		size = vals[1]
	}

	virt, kErr := sh.sim.ctx.AddressSpace().MapRange(uintptr(vals[0]), uintptr(size), vmm.FlagRW|vmm.FlagNoExecute)
	if kErr != nil {
		return kErr
	}

	fmt.Fprintf(w, "0x%x\n", virt)
	return nil
}

func (sh *shell) translate(w io.Writer, args []string) error {
	vals, err := parseArgs(args, 1, 1, "translate <virt>")
	if err != nil {
		return err
	}

	phys, kErr := sh.sim.ctx.AddressSpace().Translate(uintptr(vals[0]))
	if kErr != nil {
		return kErr
	}

	fmt.Fprintf(w, "0x%x\n", phys)
	return nil
}
