package gdbserver

import (
	"fmt"
	"strings"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/target"
)

// stopReply formats a T stop packet for stop and makes the stopped core the
// active one, as the debugger will address it next.
func (s *Session) stopReply(stop debug.Stop) Reply {
	if err := s.dbg.SelectCore(stop.Core); err != nil {
		s.log.Warn("selecting stopped core %d: %v", stop.Core, err)
	}
	s.log.Debug("core %d stopped at %#x: %s", stop.Core, stop.PC, stop.Reason)
	return text(s.formatStop(stop))
}

func (s *Session) formatStop(stop debug.Stop) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "T%02x", stop.Reason.Signal())
	fmt.Fprintf(&sb, "thread:%s;", s.threadID(stop.Core))

	r := stop.Reason
	switch r.Kind {
	case debug.ReasonBreakpoint:
		if !r.Known {
			break
		}
		if r.Hardware && s.feat.hwbreak {
			sb.WriteString("hwbreak:;")
		} else if !r.Hardware && s.feat.swbreak {
			sb.WriteString("swbreak:;")
		}
	case debug.ReasonWatchpoint:
		fmt.Fprintf(&sb, "%s:%x;", watchName(r.Access), r.Addr)
	}
	return sb.String()
}

func watchName(kind target.BreakpointKind) string {
	switch kind {
	case target.WatchWrite:
		return "watch"
	case target.WatchRead:
		return "rwatch"
	}
	return "awatch"
}
