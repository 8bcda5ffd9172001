package console

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
)

type command struct {
	name    string
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(c *Console, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "help", "list commands", 0, 0, (*Console).help},
		{"halt", "halt", "halt the core", 0, 0, (*Console).halt},
		{"run", "run [addr]", "resume the core", 0, 1, (*Console).resume},
		{"wait", "wait", "wait for a running core to halt", 0, 0, (*Console).wait},
		{"step", "step", "execute one instruction", 0, 0, (*Console).step},
		{"status", "status", "show the state of every core", 0, 0, (*Console).status},
		{"regs", "regs", "dump the registers", 0, 0, (*Console).regs},
		{"read", "read <addr> [n]", "read n 32-bit words", 1, 2, (*Console).read},
		{"write", "write <addr> <word>", "write one 32-bit word", 2, 2, (*Console).write},
		{"break", "break <addr>", "insert a breakpoint", 1, 1, (*Console).breakpoint},
		{"clear", "clear <addr>", "remove a breakpoint", 1, 1, (*Console).clear},
		{"core", "core <n>", "select a core", 1, 1, (*Console).core},
		{"reset", "reset", "reset and halt the core", 0, 0, (*Console).reset},
	}
}

func lookup(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.InvalidParameter(name, s, "a hex (0x...) or decimal number")
	}
	return v, nil
}

func (c *Console) help(ctx context.Context, args []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-20s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(c.out, "  %-20s %s\n", "quit", "leave the console")
	return nil
}

func (c *Console) halt(ctx context.Context, args []string) error {
	stop, err := c.dbg.Run.Interrupt(ctx, c.dbg.ActiveCore())
	if err != nil {
		return err
	}
	c.printStop(stop)
	return nil
}

func (c *Console) resume(ctx context.Context, args []string) error {
	var addr *uint64
	if len(args) == 1 {
		v, err := parseUint("addr", args[0])
		if err != nil {
			return err
		}
		addr = &v
	}
	core := c.dbg.ActiveCore()
	stop, err := c.dbg.Run.Continue(ctx, core, addr)
	if err != nil {
		return err
	}
	if stop != nil {
		c.printStop(*stop)
		return nil
	}
	fmt.Fprintf(c.out, "core %d running\n", core)
	return nil
}

func (c *Console) wait(ctx context.Context, args []string) error {
	running := c.dbg.Run.Running()
	if len(running) == 0 {
		fmt.Fprintln(c.out, "no core is running")
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WaitTimeout)
	defer cancel()
	stop, err := c.dbg.Run.WaitForHalt(wctx, running, nil)
	if err != nil {
		if wctx.Err() != nil && ctx.Err() == nil {
			return errors.Timeout("wait for halt", c.opts.WaitTimeout.Seconds())
		}
		return err
	}
	c.printStop(stop)
	return nil
}

func (c *Console) step(ctx context.Context, args []string) error {
	stop, err := c.dbg.Run.Step(ctx, c.dbg.ActiveCore(), nil)
	if err != nil {
		return err
	}
	c.printStop(stop)
	return nil
}

func (c *Console) status(ctx context.Context, args []string) error {
	if running := c.dbg.Run.Running(); len(running) > 0 {
		stop, err := c.dbg.Run.Poll(ctx, running)
		if err != nil {
			return err
		}
		if stop != nil {
			c.printStop(*stop)
		}
	}
	chip := c.dbg.Probe().Chip()
	for core := range c.dbg.Probe().CoreCount() {
		marker := " "
		if core == c.dbg.ActiveCore() {
			marker = "*"
		}
		state := c.dbg.Run.State(core)
		line := fmt.Sprintf("%s core %d (%s, %s): %s", marker, core, chip.Cores[core].Name, chip.Cores[core].Type, state)
		if stop, ok := c.dbg.Run.LastStop(core); ok && state == debug.CoreHalted {
			line += fmt.Sprintf(" at %#08x (%s)", stop.PC, stop.Reason)
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *Console) regs(ctx context.Context, args []string) error {
	vals, err := c.dbg.ReadRegisters(ctx)
	if err != nil {
		return err
	}
	for i, r := range c.dbg.RegisterMap().Regs() {
		fmt.Fprintf(c.out, "%-6s %#0*x\n", r.Name, r.Bits/4+2, vals[i])
	}
	return nil
}

func (c *Console) read(ctx context.Context, args []string) error {
	addr, err := parseUint("addr", args[0])
	if err != nil {
		return err
	}
	n := uint64(1)
	if len(args) == 2 {
		if n, err = parseUint("n", args[1]); err != nil {
			return err
		}
		if n == 0 || n > 1024 {
			return errors.InvalidParameter("n", args[1], "between 1 and 1024 words")
		}
	}
	data, err := c.dbg.ReadMemory(ctx, addr, int(n*4))
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(data); i += 4 {
		fmt.Fprintf(c.out, "%#08x: %#010x\n", addr+uint64(i), binary.LittleEndian.Uint32(data[i:]))
	}
	return nil
}

func (c *Console) write(ctx context.Context, args []string) error {
	if !c.opts.AllowWrite {
		return errors.PermissionDenied("memory write", "readonly")
	}
	addr, err := parseUint("addr", args[0])
	if err != nil {
		return err
	}
	word, err := parseUint("word", args[1])
	if err != nil {
		return err
	}
	if word > 0xffffffff {
		return errors.InvalidParameter("word", args[1], "a 32-bit value")
	}
	data := binary.LittleEndian.AppendUint32(nil, uint32(word))
	if err := c.dbg.WriteMemory(ctx, addr, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %#010x to %#08x\n", word, addr)
	return nil
}

// breakpointLength is the instruction size patched for a breakpoint.
func (c *Console) breakpointLength() int {
	if c.dbg.RegisterMap().Thumb() {
		return 2
	}
	return 4
}

func (c *Console) breakpoint(ctx context.Context, args []string) error {
	addr, err := parseUint("addr", args[0])
	if err != nil {
		return err
	}
	if err := c.dbg.InsertBreakpoint(ctx, target.Software, addr, c.breakpointLength()); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "breakpoint at %#08x\n", addr)
	return nil
}

func (c *Console) clear(ctx context.Context, args []string) error {
	addr, err := parseUint("addr", args[0])
	if err != nil {
		return err
	}
	if _, ok := c.dbg.Breakpoints.Get(target.Software, addr); !ok {
		return errors.InvalidParameter("addr", args[0], "the address of a breakpoint")
	}
	if err := c.dbg.RemoveBreakpoint(ctx, target.Software, addr); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "cleared breakpoint at %#08x\n", addr)
	return nil
}

func (c *Console) core(ctx context.Context, args []string) error {
	n, err := parseUint("n", args[0])
	if err != nil {
		return err
	}
	if err := c.dbg.SelectCore(int(n)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "core %d selected\n", n)
	return nil
}

func (c *Console) reset(ctx context.Context, args []string) error {
	if !c.opts.AllowReset {
		return errors.PermissionDenied("reset", "readonly")
	}
	core := c.dbg.ActiveCore()
	if err := c.dbg.Run.Reset(ctx, core, true); err != nil {
		return err
	}
	if stop, ok := c.dbg.Run.LastStop(core); ok {
		c.printStop(stop)
	}
	return nil
}
