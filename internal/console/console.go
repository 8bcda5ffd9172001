// Package console implements the interactive debugger: a line oriented
// command loop over one debug session.
//
// Commands operate on the selected core:
//
//	halt                 halt the core
//	run [addr]           resume, optionally from addr
//	wait                 block until a running core halts
//	step                 execute one instruction
//	status               run state of every core
//	regs                 dump the register file
//	read <addr> [n]      read n 32-bit words (default 1)
//	write <addr> <word>  write one 32-bit word
//	break <addr>         insert a breakpoint
//	clear <addr>         remove a breakpoint
//	core <n>             select another core
//	reset                reset and halt the core
//	quit                 leave the console
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
)

// DefaultWaitTimeout bounds the wait command.
const DefaultWaitTimeout = 5 * time.Second

// Options configure a console.
type Options struct {
	In  io.Reader
	Out io.Writer

	// HistoryFile keeps command history between runs of an interactive
	// console. Empty uses ~/.probe_gdb_history.
	HistoryFile string

	AllowWrite bool
	AllowReset bool

	WaitTimeout time.Duration
}

// Console runs debugger commands against a session.
type Console struct {
	dbg  *debug.Session
	opts Options
	out  io.Writer
}

// New creates a console over dbg.
func New(dbg *debug.Session, opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.HistoryFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.HistoryFile = filepath.Join(home, ".probe_gdb_history")
		}
	}
	return &Console{dbg: dbg, opts: opts, out: opts.Out}
}

// Run reads and executes commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ed := newLineEditor(c.opts.In, c.out, c.opts.HistoryFile)
	defer ed.close()

	if ed.interactive() {
		chip := c.dbg.Probe().Chip()
		fmt.Fprintf(c.out, "Debugging %s (%d cores). Type \"help\" for commands.\n", chip.Name, len(chip.Cores))
	}

	for ctx.Err() == nil {
		line, err := ed.readLine(fmt.Sprintf("probe[%d]> ", c.dbg.ActiveCore()))
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.TransportFailed("read command", err)
		}
		quit, err := c.Execute(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return nil
}

// Execute runs one command line. quit is set by the quit command.
func (c *Console) Execute(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	if name == "quit" || name == "exit" || name == "q" {
		return true, nil
	}

	cmd, ok := lookup(name)
	if !ok {
		return false, errors.InvalidParameter("command", name, "one of the commands listed by \"help\"")
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		return false, errors.InvalidParameter("arguments", strings.Join(args, " "), "usage: "+cmd.usage)
	}
	return false, cmd.run(c, ctx, args)
}

func (c *Console) printStop(stop debug.Stop) {
	fmt.Fprintf(c.out, "core %d halted at %#08x: %s\n", stop.Core, stop.PC, stop.Reason)
}
