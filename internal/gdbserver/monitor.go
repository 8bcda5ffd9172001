package gdbserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/rsp"
)

const monitorHelp = `monitor commands:
  reset             reset the active core and let it run
  reset halt        reset the active core and halt at the reset vector
  status            show the run state of every core
  breakpoints       list the breakpoints of this session
  help              show this text
Other commands are passed to the probe.
`

// monitor runs a qRcmd command. Output goes back hex encoded; commands
// without output answer OK.
func (s *Session) monitor(ctx context.Context, cmd string) Reply {
	fields := strings.Fields(cmd)
	core := s.dbg.ActiveCore()
	s.log.Debug("monitor %q", cmd)

	var out string
	var err error
	switch {
	case len(fields) == 0:
		return replyOK
	case fields[0] == "help":
		out = monitorHelp
	case fields[0] == "reset" && len(fields) == 1:
		err = s.dbg.Run.Reset(ctx, core, false)
		if err == nil {
			out = fmt.Sprintf("core %d reset and running\n", core)
		}
	case fields[0] == "reset" && (fields[1] == "halt" || fields[1] == "init"):
		err = s.dbg.Run.Reset(ctx, core, true)
		if err == nil {
			out = fmt.Sprintf("core %d reset and halted\n", core)
		}
	case fields[0] == "status":
		out = s.statusText()
	case fields[0] == "breakpoints":
		out = s.breakpointsText()
	default:
		out, err = s.dbg.Monitor(ctx, cmd)
	}

	if err != nil {
		if errors.FromError(err).Code == errors.CodeUnsupported {
			return text(rsp.HexEncode([]byte(err.Error() + "\n")))
		}
		return s.errorReply(err)
	}
	if out == "" {
		return replyOK
	}
	return text(rsp.HexEncode([]byte(out)))
}

func (s *Session) statusText() string {
	p := s.dbg.Probe()
	var sb strings.Builder
	fmt.Fprintf(&sb, "chip %s\n", p.Chip().Name)
	for core := range p.CoreCount() {
		marker := " "
		if core == s.dbg.ActiveCore() {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s core %d %-8s %s", marker, core, p.Chip().Cores[core].Name, s.dbg.Run.State(core))
		if stop, ok := s.dbg.Run.LastStop(core); ok && s.dbg.Run.State(core) == debug.CoreHalted {
			fmt.Fprintf(&sb, " at %#x (%s)", stop.PC, stop.Reason)
		}
		bpUsed, bpTotal, wpUsed, wpTotal := p.UsedComparators(core)
		fmt.Fprintf(&sb, ", comparators %d/%d, watchpoints %d/%d\n", bpUsed, bpTotal, wpUsed, wpTotal)
	}
	return sb.String()
}

func (s *Session) breakpointsText() string {
	list := s.dbg.Breakpoints.List()
	if len(list) == 0 {
		return "no breakpoints\n"
	}
	var sb strings.Builder
	for _, e := range list {
		where := "patched"
		if e.Unit >= 0 {
			where = fmt.Sprintf("unit %d", e.Unit)
		}
		fmt.Fprintf(&sb, "%#010x %-12s len %d core %d %s\n", e.Addr, e.Kind, e.Length, e.Core, where)
	}
	return sb.String()
}
