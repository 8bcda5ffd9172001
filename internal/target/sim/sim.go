// Package sim implements target.Target on an in-memory microcontroller built
// from a chip description.
//
// The simulator does not decode instructions beyond their length. While a
// core runs it advances the PC sequentially, a fixed number of instructions
// per poll, and halts on hardware comparators, breakpoint instructions or
// when it leaves mapped memory. Watchpoint hits and external halts are
// injected with Trigger. Every probe call is counted so tests can assert
// that an operation did or did not reach the hardware.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// maxRegionSize bounds the backing store of one region.
const maxRegionSize = 16 << 20

// Options tune the simulator.
type Options struct {
	// StepsPerPoll is how many instructions a running core executes per
	// status poll. Zero leaves running cores parked until halted or
	// triggered.
	StepsPerPoll int

	// StartHalted powers the cores up halted instead of running.
	StartHalted bool

	// HWBreakpoints and Watchpoints override the unit counts implied by
	// the core type.
	HWBreakpoints int
	Watchpoints   int
}

type region struct {
	desc targetdesc.MemoryRegion
	data []byte
}

type watch struct {
	addr   uint64
	length int
	kind   target.BreakpointKind
}

type core struct {
	index   int
	name    string
	typ     targetdesc.CoreType
	rmap    *regs.Map
	regs    map[target.RegisterID]uint64
	state   target.RunState
	cause   target.HaltCause
	pending *target.HaltCause
	bp      []*uint64
	wp      []*watch
}

// Sim is a simulated multi-core microcontroller.
type Sim struct {
	mu       sync.Mutex
	chip     *targetdesc.Chip
	opts     Options
	regions  []*region
	cores    []*core
	selected int

	calls     map[string]int
	flashRuns []target.FlashRequest
}

// New builds a simulator for chip.
func New(chip *targetdesc.Chip, opts Options) (*Sim, error) {
	s := &Sim{
		chip:  chip,
		opts:  opts,
		calls: make(map[string]int),
	}

	for _, r := range chip.MemoryMap {
		size := r.Range.End - r.Range.Start
		if size > maxRegionSize {
			return nil, fmt.Errorf("region %#x..%#x is too large to simulate", r.Range.Start, r.Range.End)
		}
		data := make([]byte, size)
		if r.Kind == targetdesc.RegionNVM {
			fill := byte(0xff)
			if algo := chip.AlgorithmFor(r.Range.Start); algo != nil {
				fill = algo.FlashProperties.ErasedByteValue
			}
			for i := range data {
				data[i] = fill
			}
		}
		s.regions = append(s.regions, &region{desc: r, data: data})
	}

	for i, c := range chip.Cores {
		rmap, err := regs.ForCore(c.Type)
		if err != nil {
			return nil, err
		}
		bps, wps := c.Type.Comparators()
		if opts.HWBreakpoints > 0 {
			bps = opts.HWBreakpoints
		}
		if opts.Watchpoints > 0 {
			wps = opts.Watchpoints
		}
		cc := &core{
			index: i,
			name:  c.Name,
			typ:   c.Type,
			rmap:  rmap,
			bp:    make([]*uint64, bps),
			wp:    make([]*watch, wps),
		}
		s.cores = append(s.cores, cc)
		s.reset(cc)
		if opts.StartHalted {
			cc.state = target.StateHalted
			cc.cause = target.HaltCause{Kind: target.HaltRequest}
		}
	}
	if len(s.cores) == 0 {
		return nil, fmt.Errorf("chip %s has no cores", chip.Name)
	}
	return s, nil
}

// Chip returns the description the simulator was built from.
func (s *Sim) Chip() *targetdesc.Chip {
	return s.chip
}

func (s *Sim) count(op string) {
	s.calls[op]++
}

// Calls returns how often op was invoked.
func (s *Sim) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls clears the call counters.
func (s *Sim) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.flashRuns = nil
}

// FlashRuns returns every flash algorithm request received so far.
func (s *Sim) FlashRuns() []target.FlashRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]target.FlashRequest, len(s.flashRuns))
	copy(out, s.flashRuns)
	return out
}

// Trigger makes core halt with cause the next time it is polled while
// running.
func (s *Sim) Trigger(coreIndex int, cause target.HaltCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coreIndex < 0 || coreIndex >= len(s.cores) {
		return
	}
	c := cause
	s.cores[coreIndex].pending = &c
}

// TriggerWatch reports a hit on the watchpoint programmed into unit.
func (s *Sim) TriggerWatch(coreIndex, unit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coreIndex < 0 || coreIndex >= len(s.cores) {
		return false
	}
	c := s.cores[coreIndex]
	if unit < 0 || unit >= len(c.wp) || c.wp[unit] == nil {
		return false
	}
	w := c.wp[unit]
	c.pending = &target.HaltCause{Kind: target.HaltWatchpoint, Address: w.addr, Access: w.kind}
	return true
}

// Load writes data straight into the backing store, bypassing flash rules.
// It stands in for an image that was programmed before the session.
func (s *Sim) Load(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, off, err := s.lookup(-1, addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[off:], data)
	return nil
}

// Peek reads the backing store without counting a probe access.
func (s *Sim) Peek(addr uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, off, err := s.lookup(-1, addr, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), r.data[off:off+uint64(length)]...), nil
}

// lookup finds the region holding [addr, addr+length) for coreIndex. A
// negative core ignores per-core visibility.
func (s *Sim) lookup(coreIndex int, addr uint64, length int) (*region, uint64, error) {
	name := ""
	if coreIndex >= 0 {
		name = s.cores[coreIndex].name
	}
	for _, r := range s.regions {
		rng := r.desc.Range.Range()
		if !rng.Contains(addr) {
			continue
		}
		if coreIndex >= 0 && !r.desc.AccessibleBy(name) {
			continue
		}
		if !rng.ContainsRange(addr, uint64(length)) {
			return nil, 0, fmt.Errorf("access %#x+%d crosses the end of region at %#x", addr, length, rng.End)
		}
		return r, addr - rng.Start, nil
	}
	return nil, 0, fmt.Errorf("bus fault at %#x", addr)
}

func (s *Sim) cur() *core {
	return s.cores[s.selected]
}

// CoreCount implements target.Target.
func (s *Sim) CoreCount() int {
	return len(s.cores)
}

// SelectCore implements target.Target.
func (s *Sim) SelectCore(ctx context.Context, coreIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coreIndex < 0 || coreIndex >= len(s.cores) {
		return errors.NoSuchCore(coreIndex, len(s.cores))
	}
	s.selected = coreIndex
	return nil
}

// Halt implements target.Target.
func (s *Sim) Halt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("halt")

	c := s.cur()
	if c.state == target.StateHalted {
		return nil
	}
	c.state = target.StateHalted
	c.cause = target.HaltCause{Kind: target.HaltRequest}
	c.pending = nil
	return nil
}

// Resume implements target.Target.
func (s *Sim) Resume(ctx context.Context, pc *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("resume")

	c := s.cur()
	if pc != nil {
		c.regs[c.rmap.PC().ID] = *pc
	}
	c.state = target.StateRunning
	c.cause = target.HaltCause{}
	return nil
}

// Step implements target.Target.
func (s *Sim) Step(ctx context.Context) (target.HaltCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("step")

	c := s.cur()
	if c.state != target.StateHalted {
		return target.HaltCause{}, errors.NotHalted(c.index, "step")
	}

	pcID := c.rmap.PC().ID
	pc := c.regs[pcID] &^ 1
	code, ok := s.fetch(c, pc)
	switch {
	case !ok:
		c.cause = target.HaltCause{Kind: target.HaltException, Signal: 11}
	case isBreak(c, code):
		c.cause = target.HaltCause{Kind: target.HaltBreakpoint}
	default:
		next := pc + uint64(c.rmap.InstructionLength(code))
		c.regs[pcID] = next
		if c.comparatorAt(next) {
			c.cause = target.HaltCause{Kind: target.HaltMultiple}
		} else {
			c.cause = target.HaltCause{Kind: target.HaltStep}
		}
	}
	return c.cause, nil
}

func isBreak(c *core, code []byte) bool {
	_, ok := c.rmap.IsBreakpointInstruction(code)
	return ok
}

// fetch reads up to four bytes of code at pc.
func (s *Sim) fetch(c *core, pc uint64) ([]byte, bool) {
	for _, n := range []int{4, 2} {
		if r, off, err := s.lookup(c.index, pc, n); err == nil {
			return r.data[off : off+uint64(n)], true
		}
	}
	return nil, false
}

func (c *core) comparatorAt(addr uint64) bool {
	for _, bp := range c.bp {
		if bp != nil && *bp&^1 == addr {
			return true
		}
	}
	return false
}

// tick advances a running core.
func (s *Sim) tick(c *core) {
	if c.state != target.StateRunning {
		return
	}
	if c.pending != nil {
		c.state = target.StateHalted
		c.cause = *c.pending
		c.pending = nil
		return
	}

	pcID := c.rmap.PC().ID
	for i := 0; i < s.opts.StepsPerPoll; i++ {
		pc := c.regs[pcID] &^ 1
		if c.comparatorAt(pc) {
			c.state = target.StateHalted
			c.cause = target.HaltCause{Kind: target.HaltBreakpoint}
			return
		}
		code, ok := s.fetch(c, pc)
		if !ok {
			c.state = target.StateHalted
			c.cause = target.HaltCause{Kind: target.HaltException, Signal: 11}
			return
		}
		if isBreak(c, code) {
			c.state = target.StateHalted
			c.cause = target.HaltCause{Kind: target.HaltBreakpoint}
			return
		}
		c.regs[pcID] = pc + uint64(c.rmap.InstructionLength(code))
	}
}

// Status implements target.Target.
func (s *Sim) Status(ctx context.Context) (target.CoreStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("status")

	c := s.cur()
	s.tick(c)
	return target.CoreStatus{State: c.state, Cause: c.cause}, nil
}

// PollHaltReason implements target.Target.
func (s *Sim) PollHaltReason(ctx context.Context) (*target.HaltCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("poll")

	c := s.cur()
	s.tick(c)
	if c.state != target.StateHalted {
		return nil, nil
	}
	cause := c.cause
	return &cause, nil
}

// ReadRegister implements target.Target.
func (s *Sim) ReadRegister(ctx context.Context, reg target.RegisterID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("read_register")

	c := s.cur()
	if c.state != target.StateHalted {
		return 0, errors.NotHalted(c.index, "register read")
	}
	if _, ok := c.rmap.ByID(reg); !ok {
		return 0, errors.InvalidParameter("register", reg, "a register of this core")
	}
	return c.regs[reg], nil
}

// WriteRegister implements target.Target.
func (s *Sim) WriteRegister(ctx context.Context, reg target.RegisterID, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("write_register")

	c := s.cur()
	if c.state != target.StateHalted {
		return errors.NotHalted(c.index, "register write")
	}
	r, ok := c.rmap.ByID(reg)
	if !ok {
		return errors.InvalidParameter("register", reg, "a register of this core")
	}
	if r.Bits < 64 {
		value &= 1<<r.Bits - 1
	}
	c.regs[reg] = value
	return nil
}

// ReadMemory implements target.Target.
func (s *Sim) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("read_memory")

	r, off, err := s.lookup(s.selected, addr, length)
	if err != nil {
		return nil, errors.Hardware("memory read", err)
	}
	return append([]byte(nil), r.data[off:off+uint64(length)]...), nil
}

// WriteMemory implements target.Target. Flash cannot be written directly.
func (s *Sim) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("write_memory")

	r, off, err := s.lookup(s.selected, addr, len(data))
	if err != nil {
		return errors.Hardware("memory write", err)
	}
	if r.desc.Kind == targetdesc.RegionNVM {
		return errors.Hardware("memory write", fmt.Errorf("%#x is flash and needs a flash algorithm", addr))
	}
	copy(r.data[off:], data)
	return nil
}

// HWBreakpointUnits implements target.Target.
func (s *Sim) HWBreakpointUnits(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cur().bp), nil
}

// SetHWBreakpoint implements target.Target.
func (s *Sim) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("set_hw_breakpoint")

	c := s.cur()
	if unit < 0 || unit >= len(c.bp) {
		return errors.Hardware("set breakpoint", fmt.Errorf("no comparator %d", unit))
	}
	a := addr
	c.bp[unit] = &a
	return nil
}

// ClearHWBreakpoint implements target.Target.
func (s *Sim) ClearHWBreakpoint(ctx context.Context, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("clear_hw_breakpoint")

	c := s.cur()
	if unit < 0 || unit >= len(c.bp) {
		return errors.Hardware("clear breakpoint", fmt.Errorf("no comparator %d", unit))
	}
	c.bp[unit] = nil
	return nil
}

// HWBreakpoints implements target.ComparatorReader.
func (s *Sim) HWBreakpoints(ctx context.Context) ([]*uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cur()
	out := make([]*uint64, len(c.bp))
	for i, bp := range c.bp {
		if bp != nil {
			a := *bp
			out[i] = &a
		}
	}
	return out, nil
}

// WatchpointUnits implements target.Target.
func (s *Sim) WatchpointUnits(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cur().wp), nil
}

// SetWatchpoint implements target.Target.
func (s *Sim) SetWatchpoint(ctx context.Context, unit int, addr uint64, length int, kind target.BreakpointKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("set_watchpoint")

	c := s.cur()
	if unit < 0 || unit >= len(c.wp) {
		return errors.Hardware("set watchpoint", fmt.Errorf("no comparator %d", unit))
	}
	if !kind.IsWatchpoint() {
		return errors.InvalidParameter("kind", kind.String(), "a watchpoint kind")
	}
	c.wp[unit] = &watch{addr: addr, length: length, kind: kind}
	return nil
}

// ClearWatchpoint implements target.Target.
func (s *Sim) ClearWatchpoint(ctx context.Context, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("clear_watchpoint")

	c := s.cur()
	if unit < 0 || unit >= len(c.wp) {
		return errors.Hardware("clear watchpoint", fmt.Errorf("no comparator %d", unit))
	}
	c.wp[unit] = nil
	return nil
}

// RunFlashAlgorithm implements target.Target. The algorithm blob is copied
// to its load address like a real loader would; programming follows NOR
// rules, so it can only clear bits of erased cells.
func (s *Sim) RunFlashAlgorithm(ctx context.Context, req target.FlashRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("flash")

	c := s.cur()
	if c.state != target.StateHalted {
		return errors.NotHalted(c.index, "flash programming")
	}

	algo := s.chip.Family().Algorithm(req.Algorithm)
	if algo == nil {
		return errors.FlashFailed(req.Algorithm, fmt.Errorf("unknown algorithm"))
	}
	props := algo.FlashProperties
	flash := props.AddressRange.Range()

	if req.EraseAll {
		if algo.PcEraseAll == nil {
			return errors.FlashFailed(algo.Name, fmt.Errorf("chip erase not supported"))
		}
		req.Erase = []target.Range{flash}
	}
	for _, e := range req.Erase {
		if !flash.ContainsRange(e.Start, e.Len()) {
			return errors.FlashFailed(algo.Name, fmt.Errorf("erase %#x..%#x outside flash", e.Start, e.End))
		}
	}
	if len(req.Data) > 0 && !flash.ContainsRange(req.Address, uint64(len(req.Data))) {
		return errors.FlashFailed(algo.Name, fmt.Errorf("program %#x+%d outside flash", req.Address, len(req.Data)))
	}

	if algo.LoadAddress != nil {
		if code, err := algo.Code(); err == nil {
			if r, off, err := s.lookup(c.index, *algo.LoadAddress, len(code)); err == nil {
				copy(r.data[off:], code)
			}
		}
	}

	for _, e := range req.Erase {
		r, off, err := s.lookup(-1, e.Start, int(e.Len()))
		if err != nil {
			return errors.FlashFailed(algo.Name, err)
		}
		for i := uint64(0); i < e.Len(); i++ {
			r.data[off+i] = props.ErasedByteValue
		}
	}
	if len(req.Data) > 0 {
		r, off, err := s.lookup(-1, req.Address, len(req.Data))
		if err != nil {
			return errors.FlashFailed(algo.Name, err)
		}
		for i, b := range req.Data {
			r.data[off+uint64(i)] &= b
		}
	}

	s.flashRuns = append(s.flashRuns, target.FlashRequest{
		Algorithm: req.Algorithm,
		Address:   req.Address,
		Data:      append([]byte(nil), req.Data...),
		Erase:     append([]target.Range(nil), req.Erase...),
		EraseAll:  req.EraseAll,
	})
	return nil
}

// Reset implements target.Resetter.
func (s *Sim) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("reset")

	c := s.cur()
	s.reset(c)
	return nil
}

// ResetAndHalt implements target.Resetter.
func (s *Sim) ResetAndHalt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("reset")

	c := s.cur()
	s.reset(c)
	c.state = target.StateHalted
	c.cause = target.HaltCause{Kind: target.HaltRequest}
	return nil
}

// reset loads the power-on register state. ARM cores fetch SP and PC from
// the vector table at the start of boot memory.
func (s *Sim) reset(c *core) {
	c.regs = make(map[target.RegisterID]uint64)
	c.pending = nil
	c.state = target.StateRunning
	c.cause = target.HaltCause{}

	var boot *region
	for _, r := range s.regions {
		if r.desc.IsBootMemory && r.desc.AccessibleBy(c.name) {
			boot = r
			break
		}
	}
	if boot == nil {
		return
	}

	if c.typ.Architecture() == targetdesc.ArchRiscv {
		c.regs[regs.RiscvDPC] = boot.desc.Range.Start
		return
	}
	if len(boot.data) >= 8 {
		c.regs[regs.ArmSP] = uint64(binary.LittleEndian.Uint32(boot.data[0:4]))
		c.regs[regs.ArmPC] = uint64(binary.LittleEndian.Uint32(boot.data[4:8]) &^ 1)
	}
	c.regs[regs.ArmXPSR] = regs.XPSRThumb
}

// Monitor implements target.Monitor with simulator commands.
func (s *Sim) Monitor(ctx context.Context, cmd string) (string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 || fields[0] != "sim" {
		return "", errors.Wrap(errors.CodeUnsupported, fmt.Sprintf("unknown monitor command %q", cmd), "Try 'monitor sim help'.", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := ""
	if len(fields) > 1 {
		sub = fields[1]
	}
	switch sub {
	case "calls":
		names := make([]string, 0, len(s.calls))
		for name := range s.calls {
			names = append(names, name)
		}
		sort.Strings(names)
		var sb strings.Builder
		for _, name := range names {
			fmt.Fprintf(&sb, "%-20s %d\n", name, s.calls[name])
		}
		return sb.String(), nil
	case "external":
		c := s.cur()
		c.pending = &target.HaltCause{Kind: target.HaltExternal}
		return fmt.Sprintf("external halt queued for core %d\n", c.index), nil
	case "", "help":
		return "sim calls     show probe call counters\nsim external  queue an external halt on the current core\n", nil
	}
	return "", errors.Wrap(errors.CodeUnsupported, fmt.Sprintf("unknown simulator command %q", sub), "Try 'monitor sim help'.", nil)
}
