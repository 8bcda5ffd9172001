package debug

import (
	"fmt"

	"github.com/markus-k/probe-rs/internal/target"
)

// POSIX signal numbers used in stop replies.
const (
	SIGINT  = 2
	SIGTRAP = 5
	SIGSEGV = 11
)

// ReasonKind classifies why a core stopped, as reported to a debugger.
type ReasonKind int

const (
	ReasonBreakpoint ReasonKind = iota
	ReasonWatchpoint
	ReasonStep
	ReasonSignal
	ReasonExternal
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonWatchpoint:
		return "watchpoint"
	case ReasonStep:
		return "step"
	case ReasonSignal:
		return "signal"
	case ReasonExternal:
		return "external"
	}
	return "unknown"
}

// HaltReason is a classified halt.
type HaltReason struct {
	Kind ReasonKind

	// Hardware is set for breakpoints served by a comparator.
	Hardware bool

	// Known is set when the halt matches an entry of the session's table.
	Known bool

	// Addr and Access describe a watchpoint hit.
	Addr   uint64
	Access target.BreakpointKind

	// Code is the delivered signal for ReasonSignal.
	Code int
}

// Signal returns the signal number reported for the halt. Everything except
// a delivered signal is a trap.
func (r HaltReason) Signal() int {
	if r.Kind == ReasonSignal && r.Code != 0 {
		return r.Code
	}
	return SIGTRAP
}

func (r HaltReason) String() string {
	switch r.Kind {
	case ReasonWatchpoint:
		return fmt.Sprintf("%s %s at %#x", r.Kind, r.Access, r.Addr)
	case ReasonSignal:
		return fmt.Sprintf("signal %d", r.Signal())
	case ReasonBreakpoint:
		if r.Hardware {
			return "hardware breakpoint"
		}
		return "software breakpoint"
	}
	return r.Kind.String()
}

// Stop is a halt event of one core.
type Stop struct {
	Core   int
	PC     uint64
	Reason HaltReason
}
