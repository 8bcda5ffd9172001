package debug

import (
	"context"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
)

// CoreState is the run state of a core as tracked by a session.
type CoreState int

const (
	CoreUnknown CoreState = iota
	CoreHalted
	CoreRunning
	CoreStepping
)

func (s CoreState) String() string {
	switch s {
	case CoreHalted:
		return "halted"
	case CoreRunning:
		return "running"
	case CoreStepping:
		return "stepping"
	}
	return "unknown"
}

// RunControl drives halt, continue and step for every core of a session and
// classifies halts. It is owned by the session's control loop.
type RunControl struct {
	probe  *Probe
	bps    *Breakpoints
	caches []*RegisterCache
	states []CoreState
	last   []*Stop

	PollInterval time.Duration
}

// NewRunControl returns run control over the cores of p.
func NewRunControl(p *Probe, bps *Breakpoints, caches []*RegisterCache) *RunControl {
	n := p.CoreCount()
	return &RunControl{
		probe:        p,
		bps:          bps,
		caches:       caches,
		states:       make([]CoreState, n),
		last:         make([]*Stop, n),
		PollInterval: p.PollInterval,
	}
}

// State returns the tracked state of core.
func (rc *RunControl) State(core int) CoreState {
	if core < 0 || core >= len(rc.states) {
		return CoreUnknown
	}
	return rc.states[core]
}

// LastStop returns the most recent halt of core.
func (rc *RunControl) LastStop(core int) (Stop, bool) {
	if core < 0 || core >= len(rc.last) || rc.last[core] == nil {
		return Stop{}, false
	}
	return *rc.last[core], true
}

// RequireHalted fails with NotHalted unless core is known to be halted. It
// never touches the hardware.
func (rc *RunControl) RequireHalted(core int, operation string) error {
	if core < 0 || core >= len(rc.states) {
		return errors.NoSuchCore(core, len(rc.states))
	}
	if rc.states[core] != CoreHalted {
		return errors.NotHalted(core, operation)
	}
	return nil
}

// Running returns the cores currently tracked as running.
func (rc *RunControl) Running() []int {
	var out []int
	for i, s := range rc.states {
		if s == CoreRunning {
			out = append(out, i)
		}
	}
	return out
}

func (rc *RunControl) setHalted(stop Stop) {
	rc.states[stop.Core] = CoreHalted
	rc.caches[stop.Core].Invalidate()
	rc.last[stop.Core] = &stop
}

func (rc *RunControl) setRunning(core int) {
	rc.states[core] = CoreRunning
	rc.caches[core].Invalidate()
}

// Reconcile reads the run state of every core back from the hardware.
func (rc *RunControl) Reconcile(ctx context.Context) error {
	for core := range rc.states {
		var (
			st   target.CoreStatus
			stop Stop
		)
		err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
			var err error
			st, err = t.Status(ctx)
			if err != nil || !st.Halted() {
				return err
			}
			stop = rc.classify(ctx, t, core, st.Cause)
			return nil
		})
		if err != nil {
			return errors.Hardware("read core status", err)
		}
		switch st.State {
		case target.StateHalted:
			rc.setHalted(stop)
		case target.StateRunning, target.StateSleeping:
			rc.setRunning(core)
		default:
			rc.states[core] = CoreUnknown
			rc.caches[core].Invalidate()
		}
	}
	return nil
}

// classify maps a raw halt cause to a reported reason. Must be called from
// inside Shared.Do for core.
func (rc *RunControl) classify(ctx context.Context, t target.Target, core int, cause target.HaltCause) Stop {
	stop := Stop{Core: core}
	if pc, err := t.ReadRegister(ctx, rc.probe.maps[core].PC().ID); err == nil {
		stop.PC = pc
	}

	switch cause.Kind {
	case target.HaltBreakpoint, target.HaltMultiple, target.HaltStep:
		if e, ok := rc.bps.At(core, stop.PC); ok {
			stop.Reason = HaltReason{Kind: ReasonBreakpoint, Hardware: !e.Patched(), Known: true}
		} else if cause.Kind == target.HaltStep {
			stop.Reason = HaltReason{Kind: ReasonStep}
		} else {
			stop.Reason = HaltReason{Kind: ReasonBreakpoint}
		}
	case target.HaltWatchpoint:
		r := HaltReason{Kind: ReasonWatchpoint, Addr: cause.Address, Access: cause.Access}
		if e, ok := rc.bps.Watch(core, cause.Address); ok {
			r.Known = true
			if !r.Access.IsWatchpoint() {
				r.Access = e.Kind
			}
		}
		if !r.Access.IsWatchpoint() {
			r.Access = target.WatchAccess
		}
		stop.Reason = r
	case target.HaltException:
		stop.Reason = HaltReason{Kind: ReasonSignal, Code: cause.Signal}
	case target.HaltRequest, target.HaltExternal:
		stop.Reason = HaltReason{Kind: ReasonExternal}
	default:
		stop.Reason = HaltReason{Kind: ReasonSignal, Code: SIGTRAP}
	}
	return stop
}

// stepOver executes the instruction at an instruction breakpoint. A patched
// instruction is restored for the duration of the step.
func (rc *RunControl) stepOver(ctx context.Context, t target.Target, e *Entry) (target.HaltCause, error) {
	if !e.Patched() {
		return t.Step(ctx)
	}
	opcode, err := t.ReadMemory(ctx, e.Addr, len(e.Original))
	if err != nil {
		return target.HaltCause{}, err
	}
	if err := t.WriteMemory(ctx, e.Addr, e.Original); err != nil {
		return target.HaltCause{}, err
	}
	cause, stepErr := t.Step(ctx)
	if err := t.WriteMemory(ctx, e.Addr, opcode); err != nil && stepErr == nil {
		stepErr = err
	}
	return cause, stepErr
}

// Continue resumes core, from addr when given. An instruction breakpoint at
// the current PC is stepped over first; if that step already stops the core
// the stop is returned and the core stays halted.
func (rc *RunControl) Continue(ctx context.Context, core int, addr *uint64) (*Stop, error) {
	if err := rc.RequireHalted(core, "continue"); err != nil {
		return nil, err
	}
	pcID := rc.probe.maps[core].PC().ID

	var stop *Stop
	err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
		if addr != nil {
			if err := t.WriteRegister(ctx, pcID, *addr); err != nil {
				return err
			}
		}
		pc, err := t.ReadRegister(ctx, pcID)
		if err != nil {
			return err
		}
		if e, ok := rc.bps.At(core, pc); ok {
			cause, err := rc.stepOver(ctx, t, e)
			if err != nil {
				return err
			}
			if cause.Kind != target.HaltStep {
				s := rc.classify(ctx, t, core, cause)
				stop = &s
				return nil
			}
		}
		return t.Resume(ctx, nil)
	})
	if err != nil {
		rc.caches[core].Invalidate()
		return nil, errors.Hardware("resume", err)
	}
	if stop != nil {
		rc.setHalted(*stop)
		return stop, nil
	}
	rc.setRunning(core)
	return nil, nil
}

// Step executes one instruction on core, from addr when given, and always
// reports a stop. A breakpoint at the resulting PC takes precedence.
func (rc *RunControl) Step(ctx context.Context, core int, addr *uint64) (Stop, error) {
	if err := rc.RequireHalted(core, "step"); err != nil {
		return Stop{}, err
	}
	pcID := rc.probe.maps[core].PC().ID
	rc.states[core] = CoreStepping

	var stop Stop
	err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
		if addr != nil {
			if err := t.WriteRegister(ctx, pcID, *addr); err != nil {
				return err
			}
		}
		pc, err := t.ReadRegister(ctx, pcID)
		if err != nil {
			return err
		}
		var cause target.HaltCause
		if e, ok := rc.bps.At(core, pc); ok && e.Patched() {
			cause, err = rc.stepOver(ctx, t, e)
		} else {
			cause, err = t.Step(ctx)
		}
		if err != nil {
			return err
		}
		stop = rc.classify(ctx, t, core, cause)
		return nil
	})
	if err != nil {
		rc.states[core] = CoreHalted
		rc.caches[core].Invalidate()
		return Stop{}, errors.Hardware("step", err)
	}
	rc.setHalted(stop)
	return stop, nil
}

// Poll checks the given cores once. The first core found halted ends the
// poll; the other running cores among them are halted too.
func (rc *RunControl) Poll(ctx context.Context, cores []int) (*Stop, error) {
	for _, core := range cores {
		if rc.states[core] != CoreRunning {
			continue
		}
		var stop *Stop
		err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
			cause, err := t.PollHaltReason(ctx)
			if err != nil || cause == nil {
				return err
			}
			s := rc.classify(ctx, t, core, *cause)
			stop = &s
			return nil
		})
		if err != nil {
			return nil, errors.Hardware("poll halt reason", err)
		}
		if stop != nil {
			rc.setHalted(*stop)
			if err := rc.haltOthers(ctx, cores, core); err != nil {
				return stop, err
			}
			return stop, nil
		}
	}
	return nil, nil
}

// Interrupt halts core and reports an external halt, whatever cause the
// hardware may have pending. A core already known to be halted reports its
// last stop.
func (rc *RunControl) Interrupt(ctx context.Context, core int) (Stop, error) {
	if core < 0 || core >= len(rc.states) {
		return Stop{}, errors.NoSuchCore(core, len(rc.states))
	}
	if rc.states[core] == CoreHalted {
		if s, ok := rc.LastStop(core); ok {
			return s, nil
		}
	}

	var stop Stop
	err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
		if err := t.Halt(ctx); err != nil {
			return err
		}
		stop = rc.classify(ctx, t, core, target.HaltCause{Kind: target.HaltRequest})
		return nil
	})
	if err != nil {
		return Stop{}, errors.Hardware("halt", err)
	}
	rc.setHalted(stop)
	return stop, nil
}

func (rc *RunControl) haltOthers(ctx context.Context, cores []int, except int) error {
	for _, c := range cores {
		if c == except || rc.states[c] != CoreRunning {
			continue
		}
		if _, err := rc.Interrupt(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// WaitForHalt blocks until one of cores halts, the interrupt channel fires
// (halting cores[0] with an external reason) or ctx is done.
func (rc *RunControl) WaitForHalt(ctx context.Context, cores []int, interrupt <-chan struct{}) (Stop, error) {
	if len(cores) == 0 {
		return Stop{}, errors.MissingParameter("cores", "at least one core to wait for")
	}
	if stop, err := rc.Poll(ctx, cores); err != nil || stop != nil {
		return derefStop(stop), err
	}

	ticker := time.NewTicker(rc.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Stop{}, ctx.Err()
		case <-interrupt:
			stop, err := rc.Interrupt(ctx, cores[0])
			if err != nil {
				return Stop{}, err
			}
			return stop, rc.haltOthers(ctx, cores, cores[0])
		case <-ticker.C:
			stop, err := rc.Poll(ctx, cores)
			if err != nil || stop != nil {
				return derefStop(stop), err
			}
		}
	}
}

func derefStop(s *Stop) Stop {
	if s == nil {
		return Stop{}
	}
	return *s
}

// Reset resets core, leaving it halted at the reset vector when halt is set.
func (rc *RunControl) Reset(ctx context.Context, core int, halt bool) error {
	var stop Stop
	err := rc.probe.shared.Do(ctx, core, func(t target.Target) error {
		r, ok := t.(target.Resetter)
		if !ok {
			return errors.Wrap(errors.CodeUnsupported, "probe cannot reset the core", "", nil)
		}
		if !halt {
			return r.Reset(ctx)
		}
		if err := r.ResetAndHalt(ctx); err != nil {
			return err
		}
		stop = rc.classify(ctx, t, core, target.HaltCause{Kind: target.HaltRequest})
		return nil
	})
	if err != nil {
		rc.caches[core].Invalidate()
		var de *errors.DebugError
		if errors.As(err, &de) {
			return de
		}
		return errors.Hardware("reset", err)
	}
	if halt {
		rc.setHalted(stop)
	} else {
		rc.setRunning(core)
	}
	return nil
}
