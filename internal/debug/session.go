package debug

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
)

// Session is the debugger-facing state of one client connection. Its
// methods must be called from a single control loop; Info is the only
// method safe to call from elsewhere.
type Session struct {
	ID      string
	Kind    string
	Remote  string
	Started time.Time

	log    *log.Logger
	probe  *Probe
	active atomic.Int32
	guard  *MemoryGuard
	caches []*RegisterCache

	Breakpoints *Breakpoints
	Run         *RunControl
	Flash       *FlashPipeline
}

func newSession(p *Probe, id, kind, remote string) *Session {
	s := &Session{
		ID:      id,
		Kind:    kind,
		Remote:  remote,
		Started: time.Now(),
		probe:   p,
		guard:   NewMemoryGuard(p.chip),
		Flash:   NewFlashPipeline(p.chip),
	}
	for range p.CoreCount() {
		s.caches = append(s.caches, NewRegisterCache())
	}
	s.Breakpoints = NewBreakpoints(p, s.guard)
	s.Run = NewRunControl(p, s.Breakpoints, s.caches)
	return s
}

// Log returns the session logger.
func (s *Session) Log() *log.Logger {
	return s.log
}

// Probe returns the probe the session runs on.
func (s *Session) Probe() *Probe {
	return s.probe
}

// Info describes the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		Kind:       s.Kind,
		Remote:     s.Remote,
		ActiveCore: s.ActiveCore(),
		Started:    s.Started,
	}
}

// ActiveCore returns the core addressed by register, memory and run control
// operations.
func (s *Session) ActiveCore() int {
	return int(s.active.Load())
}

// SelectCore changes the active core. Breakpoints are kept.
func (s *Session) SelectCore(core int) error {
	if core < 0 || core >= s.probe.CoreCount() {
		return errors.NoSuchCore(core, s.probe.CoreCount())
	}
	s.active.Store(int32(core))
	return nil
}

// RegisterMap returns the register numbering of the active core.
func (s *Session) RegisterMap() *regs.Map {
	return s.probe.RegisterMap(s.ActiveCore())
}

// Cache returns the register cache of core.
func (s *Session) Cache(core int) *RegisterCache {
	return s.caches[core]
}

// ReadRegister reads one register of the active core.
func (s *Session) ReadRegister(ctx context.Context, r regs.Reg) (uint64, error) {
	vals, err := s.readRegisters(ctx, []regs.Reg{r})
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// ReadRegisters reads every register of the active core in numbering order.
func (s *Session) ReadRegisters(ctx context.Context) ([]uint64, error) {
	return s.readRegisters(ctx, s.RegisterMap().Regs())
}

func (s *Session) readRegisters(ctx context.Context, list []regs.Reg) ([]uint64, error) {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "register read"); err != nil {
		return nil, err
	}
	cache := s.caches[core]
	out := make([]uint64, len(list))

	var missing []int
	for i, r := range list {
		if v, ok := cache.Get(r.ID); ok {
			out[i] = v
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	err := s.probe.shared.Do(ctx, core, func(t target.Target) error {
		for _, i := range missing {
			v, err := t.ReadRegister(ctx, list[i].ID)
			if err != nil {
				return fmt.Errorf("register %s: %w", list[i].Name, err)
			}
			out[i] = v
			cache.Put(list[i].ID, v)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Hardware("read registers", err)
	}
	return out, nil
}

// WriteRegister writes one register of the active core.
func (s *Session) WriteRegister(ctx context.Context, r regs.Reg, v uint64) error {
	return s.WriteRegisters(ctx, []regs.Reg{r}, []uint64{v})
}

// WriteRegisters writes list[i] = values[i] on the active core.
func (s *Session) WriteRegisters(ctx context.Context, list []regs.Reg, values []uint64) error {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "register write"); err != nil {
		return err
	}
	if len(list) != len(values) {
		return errors.InvalidParameter("values", len(values), fmt.Sprintf("%d register values", len(list)))
	}
	cache := s.caches[core]
	err := s.probe.shared.Do(ctx, core, func(t target.Target) error {
		for i, r := range list {
			if err := t.WriteRegister(ctx, r.ID, values[i]); err != nil {
				cache.Invalidate()
				return fmt.Errorf("register %s: %w", r.Name, err)
			}
			cache.Put(r.ID, values[i])
		}
		return nil
	})
	if err != nil {
		return errors.Hardware("write registers", err)
	}
	return nil
}

// ReadMemory reads from the active core. The range is checked against the
// memory map first and patched breakpoints read back as the original code.
func (s *Session) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "memory read"); err != nil {
		return nil, err
	}
	if err := s.guard.Check(core, addr, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	var data []byte
	err := s.probe.shared.Do(ctx, core, func(t target.Target) error {
		var err error
		data, err = t.ReadMemory(ctx, addr, length)
		return err
	})
	if err != nil {
		return nil, errors.Hardware("read memory", err)
	}
	s.Breakpoints.Shadow(addr, data)
	return data, nil
}

// WriteMemory writes RAM through the active core. Flash is only written by
// the flash pipeline.
func (s *Session) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "memory write"); err != nil {
		return err
	}
	if err := s.guard.Check(core, addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if s.guard.IsNVM(core, addr, len(data)) {
		return errors.InvalidParameter("address", fmt.Sprintf("%#x", addr), "RAM; program flash with vFlash commands")
	}
	data = s.Breakpoints.Overlay(addr, data)
	err := s.probe.shared.Do(ctx, core, func(t target.Target) error {
		return t.WriteMemory(ctx, addr, data)
	})
	if err != nil {
		return errors.Hardware("write memory", err)
	}
	return nil
}

// InsertBreakpoint adds a breakpoint or watchpoint on the active core.
func (s *Session) InsertBreakpoint(ctx context.Context, kind target.BreakpointKind, addr uint64, length int) error {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "breakpoint insert"); err != nil {
		return err
	}
	e, err := s.Breakpoints.Insert(ctx, core, kind, addr, length)
	if err != nil {
		return err
	}
	s.log.Debug("%s breakpoint at %#x on core %d (unit %d)", kind, addr, e.Core, e.Unit)
	return nil
}

// RemoveBreakpoint removes a breakpoint or watchpoint. Removing an absent
// entry succeeds.
func (s *Session) RemoveBreakpoint(ctx context.Context, kind target.BreakpointKind, addr uint64) error {
	if err := s.Run.RequireHalted(s.ActiveCore(), "breakpoint removal"); err != nil {
		return err
	}
	return s.Breakpoints.Remove(ctx, kind, addr)
}

// FlashErase stages a sector erase.
func (s *Session) FlashErase(addr uint64, length int) error {
	if err := s.Run.RequireHalted(s.ActiveCore(), "flash erase"); err != nil {
		return err
	}
	return s.Flash.Erase(addr, length)
}

// FlashWrite stages data for programming.
func (s *Session) FlashWrite(addr uint64, data []byte) error {
	if err := s.Run.RequireHalted(s.ActiveCore(), "flash write"); err != nil {
		s.Flash.Reset()
		return err
	}
	return s.Flash.Write(addr, data)
}

// FlashDone programs everything staged since the first erase.
func (s *Session) FlashDone(ctx context.Context) error {
	core := s.ActiveCore()
	if err := s.Run.RequireHalted(core, "flash programming"); err != nil {
		s.Flash.Reset()
		return err
	}
	n := s.Flash.Pending()
	err := s.Flash.Done(ctx, func(ctx context.Context, req target.FlashRequest) error {
		if req.EraseAll {
			s.log.Info("erasing all flash with %s", req.Algorithm)
		} else {
			s.log.Info("programming %d bytes at %#x with %s", len(req.Data), req.Address, req.Algorithm)
		}
		return s.probe.shared.Do(ctx, core, func(t target.Target) error {
			return t.RunFlashAlgorithm(ctx, req)
		})
	})
	s.caches[core].Invalidate()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("flash programming complete (%d bytes)", n)
	}
	return nil
}

// EraseChip erases every flash region of the chip.
func (s *Session) EraseChip(ctx context.Context) error {
	if err := s.Run.RequireHalted(s.ActiveCore(), "chip erase"); err != nil {
		return err
	}
	if err := s.Flash.EraseChip(); err != nil {
		return err
	}
	return s.FlashDone(ctx)
}

// Monitor passes cmd to the probe.
func (s *Session) Monitor(ctx context.Context, cmd string) (string, error) {
	var out string
	err := s.probe.shared.Do(ctx, s.ActiveCore(), func(t target.Target) error {
		m, ok := t.(target.Monitor)
		if !ok {
			return errors.Wrap(errors.CodeUnsupported, fmt.Sprintf("unknown monitor command %q", cmd), "Try \"monitor help\".", nil)
		}
		var err error
		out, err = m.Monitor(ctx, cmd)
		return err
	})
	return out, err
}

// Close removes the session's breakpoints, drops staged flash data and
// unregisters the session. Cores are left in their current state.
func (s *Session) Close(ctx context.Context) error {
	s.Flash.Reset()
	err := s.Breakpoints.Clear(ctx)
	s.probe.forget(s.ID)
	if err != nil {
		s.log.Warn("breakpoint cleanup failed: %v", err)
	}
	return err
}

// Detach closes the session and resumes every halted core.
func (s *Session) Detach(ctx context.Context) error {
	err := s.Close(ctx)
	for core := range s.probe.CoreCount() {
		if s.Run.State(core) != CoreHalted {
			continue
		}
		if _, rerr := s.Run.Continue(ctx, core, nil); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
