// Package command parses RSP packet payloads into a closed set of command
// variants. Parsing never fails: a payload from an unknown family becomes
// Unknown, and a known family with bad arguments becomes Malformed.
package command

import (
	"fmt"

	"github.com/markus-k/probe-rs/internal/target"
)

// Command is one parsed RSP request. The set of implementations is closed.
type Command interface {
	isCommand()
}

// ThreadID addresses a thread in plain ("2") or multiprocess ("p1.2") form.
// Tid -1 means all threads and 0 means any thread. Pid is 0 when absent.
type ThreadID struct {
	Pid int
	Tid int
}

// Special thread ids.
const (
	ThreadAll = -1
	ThreadAny = 0
)

func (t ThreadID) String() string {
	if t.Pid != 0 {
		return fmt.Sprintf("p%x.%x", t.Pid, t.Tid)
	}
	return fmt.Sprintf("%x", t.Tid)
}

type (
	// HaltReasonQuery is "?".
	HaltReasonQuery struct{}

	// ReadRegisters is "g".
	ReadRegisters struct{}

	// WriteRegisters is "G<hex>".
	WriteRegisters struct {
		Data []byte
	}

	// ReadRegister is "p<n>".
	ReadRegister struct {
		Num int
	}

	// WriteRegister is "P<n>=<hex>"; Value holds the target-order bytes.
	WriteRegister struct {
		Num   int
		Value []byte
	}

	// ReadMemory is "m<addr>,<len>".
	ReadMemory struct {
		Addr uint64
		Len  int
	}

	// WriteMemory is "M<addr>,<len>:<hex>" or, with Binary set, "X<addr>,<len>:<bytes>".
	WriteMemory struct {
		Addr   uint64
		Data   []byte
		Binary bool
	}

	// InsertBreakpoint is "Z<kind>,<addr>,<len>".
	InsertBreakpoint struct {
		Kind target.BreakpointKind
		Addr uint64
		Len  int
	}

	// RemoveBreakpoint is "z<kind>,<addr>,<len>".
	RemoveBreakpoint struct {
		Kind target.BreakpointKind
		Addr uint64
		Len  int
	}

	// Continue is "c[addr]" or "C<sig>[;addr]".
	Continue struct {
		Addr   *uint64
		Signal int
	}

	// Step is "s[addr]" or "S<sig>[;addr]".
	Step struct {
		Addr   *uint64
		Signal int
	}

	// VCont is "vCont;<action>[:<thread>]...".
	VCont struct {
		Actions []VContAction
	}

	// VContQuery is "vCont?".
	VContQuery struct{}

	// SetThread is "H<op><thread>" where op is 'g' or 'c'.
	SetThread struct {
		Op     byte
		Thread ThreadID
	}

	// ThreadAlive is "T<thread>".
	ThreadAlive struct {
		Thread ThreadID
	}

	// Query is "q<name>[:args]" (or "q<name>,args" for legacy forms).
	Query struct {
		Name string
		Args string
	}

	// SetQuery is "Q<name>[:args]".
	SetQuery struct {
		Name string
		Args string
	}

	// FlashErase is "vFlashErase:<addr>,<len>".
	FlashErase struct {
		Addr uint64
		Len  uint64
	}

	// FlashWrite is "vFlashWrite:<addr>:<bytes>".
	FlashWrite struct {
		Addr uint64
		Data []byte
	}

	// FlashDone is "vFlashDone".
	FlashDone struct{}

	// Monitor is "qRcmd,<hex>" with the command decoded.
	Monitor struct {
		Cmd string
	}

	// Detach is "D" or "D;<pid>".
	Detach struct {
		Pid int
	}

	// Kill is "k" or "vKill;<pid>".
	Kill struct{}

	// Interrupt is the out-of-band 0x03 byte.
	Interrupt struct{}

	// Unknown is any payload outside the supported families.
	Unknown struct {
		Raw string
	}

	// Malformed is a known family whose arguments did not parse.
	Malformed struct {
		Raw string
		Err error
	}
)

// VContAction is one action of a vCont packet.
type VContAction struct {
	// Op is 'c', 'C', 's', 'S', 't' or 'r'.
	Op     byte
	Signal int
	// Start and End bound the range of an 'r' (range step) action.
	Start, End uint64
	Thread     *ThreadID
}

func (HaltReasonQuery) isCommand()  {}
func (ReadRegisters) isCommand()    {}
func (WriteRegisters) isCommand()   {}
func (ReadRegister) isCommand()     {}
func (WriteRegister) isCommand()    {}
func (ReadMemory) isCommand()       {}
func (WriteMemory) isCommand()      {}
func (InsertBreakpoint) isCommand() {}
func (RemoveBreakpoint) isCommand() {}
func (Continue) isCommand()         {}
func (Step) isCommand()             {}
func (VCont) isCommand()            {}
func (VContQuery) isCommand()       {}
func (SetThread) isCommand()        {}
func (ThreadAlive) isCommand()      {}
func (Query) isCommand()            {}
func (SetQuery) isCommand()         {}
func (FlashErase) isCommand()       {}
func (FlashWrite) isCommand()       {}
func (FlashDone) isCommand()        {}
func (Monitor) isCommand()          {}
func (Detach) isCommand()           {}
func (Kill) isCommand()             {}
func (Interrupt) isCommand()        {}
func (Unknown) isCommand()          {}
func (Malformed) isCommand()        {}
