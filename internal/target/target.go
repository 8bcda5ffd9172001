// Package target defines the contract between the debug session engine and
// a debug probe driving one or more cores.
//
// This package provides:
//   - Target: run control, register and memory access, comparator units and
//     flash algorithm execution for the currently selected core
//   - Resetter and Monitor: optional capabilities a probe may offer
//   - Shared: the process-wide handle that serializes hardware access
//
// All operations apply to the core chosen with SelectCore. Implementations
// live in subpackages (sim, remote).
package target

import (
	"context"
	"fmt"
)

// BreakpointKind is the RSP breakpoint type number (Z0..Z4).
type BreakpointKind int

const (
	Software    BreakpointKind = 0
	Hardware    BreakpointKind = 1
	WatchWrite  BreakpointKind = 2
	WatchRead   BreakpointKind = 3
	WatchAccess BreakpointKind = 4
)

// IsWatchpoint reports whether k is a data watchpoint kind.
func (k BreakpointKind) IsWatchpoint() bool {
	return k >= WatchWrite && k <= WatchAccess
}

// Valid reports whether k is one of the five known kinds.
func (k BreakpointKind) Valid() bool {
	return k >= Software && k <= WatchAccess
}

func (k BreakpointKind) String() string {
	switch k {
	case Software:
		return "software"
	case Hardware:
		return "hardware"
	case WatchWrite:
		return "watch-write"
	case WatchRead:
		return "watch-read"
	case WatchAccess:
		return "watch-access"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HaltKind is the raw reason a core reports for being halted
type HaltKind int

const (
	HaltUnknown HaltKind = iota
	HaltBreakpoint
	HaltWatchpoint
	HaltStep
	HaltException
	HaltRequest
	HaltExternal
	// HaltMultiple is reported when several reasons apply at once, e.g. a
	// single step that lands on a breakpoint.
	HaltMultiple
)

func (k HaltKind) String() string {
	switch k {
	case HaltBreakpoint:
		return "breakpoint"
	case HaltWatchpoint:
		return "watchpoint"
	case HaltStep:
		return "step"
	case HaltException:
		return "exception"
	case HaltRequest:
		return "request"
	case HaltExternal:
		return "external"
	case HaltMultiple:
		return "multiple"
	}
	return "unknown"
}

// HaltCause describes why a core stopped.
type HaltCause struct {
	Kind HaltKind

	// Address and Access are set for watchpoint hits.
	Address uint64
	Access  BreakpointKind

	// Signal is the exception number mapped to a POSIX signal, when known.
	Signal int
}

// RunState is the coarse execution state of a core
type RunState int

const (
	StateUnknown RunState = iota
	StateRunning
	StateHalted
	StateLockedUp
	StateSleeping
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateLockedUp:
		return "locked-up"
	case StateSleeping:
		return "sleeping"
	}
	return "unknown"
}

// CoreStatus is the state of a core as read from the hardware.
type CoreStatus struct {
	State RunState
	Cause HaltCause
}

// Halted reports whether the core is halted.
func (s CoreStatus) Halted() bool {
	return s.State == StateHalted
}

// RegisterID is the probe-side identifier of a core register. It is distinct
// from the register number a debugger uses on the wire.
type RegisterID uint16

// Range is a half-open address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes covered.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Contains reports whether addr lies in the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ContainsRange reports whether [start, start+length) lies in the range.
func (r Range) ContainsRange(start, length uint64) bool {
	return start >= r.Start && start <= r.End && length <= r.End-start
}

// FlashRequest asks the probe to program one contiguous block of flash with
// a named algorithm. Erase lists the sectors to erase first; EraseAll erases
// the algorithm's whole flash range instead.
type FlashRequest struct {
	Algorithm string
	Address   uint64
	Data      []byte
	Erase     []Range
	EraseAll  bool
}

// Target drives the currently selected core of a debug probe. Every method
// may fail with a hardware error.
type Target interface {
	CoreCount() int
	SelectCore(ctx context.Context, core int) error

	Halt(ctx context.Context) error
	// Resume starts the core, optionally from a new program counter.
	Resume(ctx context.Context, pc *uint64) error
	// Step executes one instruction and reports why the core stopped.
	Step(ctx context.Context) (HaltCause, error)
	Status(ctx context.Context) (CoreStatus, error)
	// PollHaltReason returns nil while the core keeps running.
	PollHaltReason(ctx context.Context) (*HaltCause, error)

	ReadRegister(ctx context.Context, reg RegisterID) (uint64, error)
	WriteRegister(ctx context.Context, reg RegisterID, value uint64) error
	ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error

	HWBreakpointUnits(ctx context.Context) (int, error)
	SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error
	ClearHWBreakpoint(ctx context.Context, unit int) error

	WatchpointUnits(ctx context.Context) (int, error)
	SetWatchpoint(ctx context.Context, unit int, addr uint64, length int, kind BreakpointKind) error
	ClearWatchpoint(ctx context.Context, unit int) error

	RunFlashAlgorithm(ctx context.Context, req FlashRequest) error
}

// Resetter is implemented by probes that can reset the selected core.
type Resetter interface {
	Reset(ctx context.Context) error
	ResetAndHalt(ctx context.Context) error
}

// Monitor is implemented by probes that accept vendor monitor commands.
type Monitor interface {
	Monitor(ctx context.Context, cmd string) (string, error)
}

// ComparatorReader is implemented by probes that can read back the address
// held by each hardware breakpoint comparator. A nil entry is a free unit.
type ComparatorReader interface {
	HWBreakpoints(ctx context.Context) ([]*uint64, error)
}
