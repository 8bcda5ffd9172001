// Package debug is the session engine shared by every front end (RSP, DAP,
// console). It owns breakpoint bookkeeping, run control, register caching,
// memory validation and the staged flash pipeline. All hardware access goes
// through a single target.Shared handle.
package debug

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// DefaultPollInterval is how often a running core is polled for a halt.
const DefaultPollInterval = 10 * time.Millisecond

// Probe is the process-wide view of the hardware: the shared target handle,
// the chip it drives and the comparator slots of every core. Sessions are
// created from it.
type Probe struct {
	shared *target.Shared
	chip   *targetdesc.Chip
	maps   []*regs.Map

	// PollInterval is used by sessions created after it is set.
	PollInterval time.Duration

	mu          sync.Mutex
	breakpoints []*slots
	watchpoints []*slots
	sessions    map[string]*Session
}

// slots tracks the comparator units of one kind on one core.
type slots struct {
	known bool
	units []slot
}

type slot struct {
	refs   int
	addr   uint64
	length int
	kind   target.BreakpointKind
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Remote     string    `json:"remote,omitempty"`
	ActiveCore int       `json:"activeCore"`
	Started    time.Time `json:"started"`
}

// NewProbe binds a shared target to the chip it is attached to.
func NewProbe(shared *target.Shared, chip *targetdesc.Chip) (*Probe, error) {
	if shared.CoreCount() != len(chip.Cores) {
		return nil, errors.TargetDescription(chip.Name,
			fmt.Sprintf("probe reports %d cores, chip describes %d", shared.CoreCount(), len(chip.Cores)))
	}
	p := &Probe{
		shared:       shared,
		chip:         chip,
		PollInterval: DefaultPollInterval,
		sessions:     make(map[string]*Session),
	}
	for _, c := range chip.Cores {
		m, err := regs.ForCore(c.Type)
		if err != nil {
			return nil, err
		}
		p.maps = append(p.maps, m)
		p.breakpoints = append(p.breakpoints, &slots{})
		p.watchpoints = append(p.watchpoints, &slots{})
	}
	return p, nil
}

// Shared returns the hardware handle.
func (p *Probe) Shared() *target.Shared { return p.shared }

// Chip returns the chip description.
func (p *Probe) Chip() *targetdesc.Chip { return p.chip }

// CoreCount returns the number of cores.
func (p *Probe) CoreCount() int { return len(p.maps) }

// RegisterMap returns the debugger register numbering of core.
func (p *Probe) RegisterMap(core int) *regs.Map {
	if core < 0 || core >= len(p.maps) {
		return nil
	}
	return p.maps[core]
}

// NewSession registers a session of the given front end kind and reads the
// hardware run state back.
func (p *Probe) NewSession(ctx context.Context, kind, remote string) (*Session, error) {
	id := uuid.New().String()
	s := newSession(p, id, kind, remote)
	s.log = log.With("session", id, "kind", kind)

	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	if err := p.reconcileComparators(ctx); err != nil {
		s.log.Warn("comparator read back failed: %v", err)
	}
	if err := s.Run.Reconcile(ctx); err != nil {
		p.forget(id)
		return nil, err
	}
	return s, nil
}

// Sessions lists live sessions, oldest first.
func (p *Probe) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// SessionCount returns the number of live sessions.
func (p *Probe) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Probe) forget(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// unitsLocked discovers the comparator count of core on first use.
func (p *Probe) unitsLocked(ctx context.Context, core int, watch bool) (*slots, error) {
	table := p.breakpoints[core]
	if watch {
		table = p.watchpoints[core]
	}
	if table.known {
		return table, nil
	}
	var n int
	err := p.shared.Do(ctx, core, func(t target.Target) error {
		var err error
		if watch {
			n, err = t.WatchpointUnits(ctx)
		} else {
			n, err = t.HWBreakpointUnits(ctx)
		}
		return err
	})
	if err != nil {
		return nil, errors.Hardware("read comparator count", err)
	}
	table.units = make([]slot, n)
	table.known = true
	return table, nil
}

// acquireBreakpoint programs a comparator of core with addr. A comparator
// already holding addr is shared, otherwise the first free unit is used.
func (p *Probe) acquireBreakpoint(ctx context.Context, core int, addr uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	table, err := p.unitsLocked(ctx, core, false)
	if err != nil {
		return -1, err
	}
	for i := range table.units {
		if table.units[i].refs > 0 && table.units[i].addr == addr {
			table.units[i].refs++
			return i, nil
		}
	}
	for i := range table.units {
		if table.units[i].refs != 0 {
			continue
		}
		err := p.shared.Do(ctx, core, func(t target.Target) error {
			return t.SetHWBreakpoint(ctx, i, addr)
		})
		if err != nil {
			return -1, errors.Hardware("set hardware breakpoint", err)
		}
		table.units[i] = slot{refs: 1, addr: addr}
		return i, nil
	}
	return -1, errors.HardwareLimit("hardware breakpoint", len(table.units))
}

func (p *Probe) releaseBreakpoint(ctx context.Context, core, unit int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := p.breakpoints[core]
	if unit < 0 || unit >= len(table.units) || table.units[unit].refs == 0 {
		return nil
	}
	table.units[unit].refs--
	if table.units[unit].refs > 0 {
		return nil
	}
	err := p.shared.Do(ctx, core, func(t target.Target) error {
		return t.ClearHWBreakpoint(ctx, unit)
	})
	if err != nil {
		return errors.Hardware("clear hardware breakpoint", err)
	}
	return nil
}

func (p *Probe) acquireWatchpoint(ctx context.Context, core int, addr uint64, length int, kind target.BreakpointKind) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	table, err := p.unitsLocked(ctx, core, true)
	if err != nil {
		return -1, err
	}
	for i, u := range table.units {
		if u.refs > 0 && u.addr == addr && u.length == length && u.kind == kind {
			table.units[i].refs++
			return i, nil
		}
	}
	for i := range table.units {
		if table.units[i].refs != 0 {
			continue
		}
		err := p.shared.Do(ctx, core, func(t target.Target) error {
			return t.SetWatchpoint(ctx, i, addr, length, kind)
		})
		if err != nil {
			return -1, errors.Hardware("set watchpoint", err)
		}
		table.units[i] = slot{refs: 1, addr: addr, length: length, kind: kind}
		return i, nil
	}
	return -1, errors.HardwareLimit("watchpoint", len(table.units))
}

func (p *Probe) releaseWatchpoint(ctx context.Context, core, unit int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := p.watchpoints[core]
	if unit < 0 || unit >= len(table.units) || table.units[unit].refs == 0 {
		return nil
	}
	table.units[unit].refs--
	if table.units[unit].refs > 0 {
		return nil
	}
	err := p.shared.Do(ctx, core, func(t target.Target) error {
		return t.ClearWatchpoint(ctx, unit)
	})
	if err != nil {
		return errors.Hardware("clear watchpoint", err)
	}
	return nil
}

// reconcileComparators clears breakpoint comparators left programmed by a
// previous process or a session that died without cleanup. Only probes that
// can read comparators back are reconciled.
func (p *Probe) reconcileComparators(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for core := range p.maps {
		table, err := p.unitsLocked(ctx, core, false)
		if err != nil {
			return err
		}
		err = p.shared.Do(ctx, core, func(t target.Target) error {
			cr, ok := t.(target.ComparatorReader)
			if !ok {
				return nil
			}
			held, err := cr.HWBreakpoints(ctx)
			if err != nil {
				return err
			}
			for i, addr := range held {
				if addr == nil || i >= len(table.units) || table.units[i].refs > 0 {
					continue
				}
				log.Debug("clearing stale comparator %d on core %d at %#x", i, core, *addr)
				if err := t.ClearHWBreakpoint(ctx, i); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Hardware("reconcile comparators", err)
		}
	}
	return nil
}

// UsedComparators returns the number of busy breakpoint and watchpoint units
// of core, and their totals when known.
func (p *Probe) UsedComparators(core int) (bpUsed, bpTotal, wpUsed, wpTotal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.breakpoints[core].units {
		if u.refs > 0 {
			bpUsed++
		}
	}
	for _, u := range p.watchpoints[core].units {
		if u.refs > 0 {
			wpUsed++
		}
	}
	return bpUsed, len(p.breakpoints[core].units), wpUsed, len(p.watchpoints[core].units)
}
