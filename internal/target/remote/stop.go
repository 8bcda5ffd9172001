package remote

import (
	"strings"

	"github.com/markus-k/probe-rs/internal/rsp"
	"github.com/markus-k/probe-rs/internal/target"
)

const (
	sigint  = 2
	sigtrap = 5
)

// stopMode is what the client was doing when a stop reply arrived.
type stopMode int

const (
	afterContinue stopMode = iota
	afterStep
	afterInterrupt
)

// stopReply is a parsed S or T packet.
type stopReply struct {
	signal  int
	thread  string
	swbreak bool
	hwbreak bool

	watch      bool
	watchKind  target.BreakpointKind
	watchAddr  uint64
	exited     bool
	exitStatus int
}

// parseStop decodes S, T, W and X stop replies.
func parseStop(p []byte) (stopReply, bool) {
	var s stopReply
	if len(p) < 3 {
		return s, false
	}
	sig, err := rsp.ParseHexUint(string(p[1:3]))
	if err != nil {
		return s, false
	}
	s.signal = int(sig)
	switch p[0] {
	case 'S':
		return s, len(p) == 3
	case 'W', 'X':
		s.exited = true
		s.exitStatus = int(sig)
		return s, true
	case 'T':
	default:
		return s, false
	}

	for _, field := range strings.Split(string(p[3:]), ";") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "thread":
			s.thread = val
		case "swbreak":
			s.swbreak = true
		case "hwbreak":
			s.hwbreak = true
		case "watch", "rwatch", "awatch":
			addr, err := rsp.ParseHexUint(val)
			if err != nil {
				return s, false
			}
			s.watch = true
			s.watchAddr = addr
			s.watchKind = map[string]target.BreakpointKind{
				"watch":  target.WatchWrite,
				"rwatch": target.WatchRead,
				"awatch": target.WatchAccess,
			}[key]
		}
	}
	return s, true
}

// cause maps the stop onto a halt cause. A bare SIGTRAP means a step
// finished, the requested halt happened or, after a continue, a breakpoint
// the stub did not annotate.
func (s stopReply) cause(mode stopMode) target.HaltCause {
	switch {
	case s.exited:
		return target.HaltCause{Kind: target.HaltExternal}
	case s.watch:
		return target.HaltCause{Kind: target.HaltWatchpoint, Address: s.watchAddr, Access: s.watchKind}
	case s.swbreak || s.hwbreak:
		if mode == afterStep {
			return target.HaltCause{Kind: target.HaltMultiple}
		}
		return target.HaltCause{Kind: target.HaltBreakpoint}
	case s.signal == sigint:
		return target.HaltCause{Kind: target.HaltRequest}
	case s.signal != sigtrap:
		return target.HaltCause{Kind: target.HaltException, Signal: s.signal}
	}
	switch mode {
	case afterStep:
		return target.HaltCause{Kind: target.HaltStep}
	case afterInterrupt:
		return target.HaltCause{Kind: target.HaltRequest}
	}
	return target.HaltCause{Kind: target.HaltBreakpoint}
}
