package flashalgo

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// Operation is passed to Init and UnInit so the algorithm can prepare for
// the kind of work that follows.
type Operation uint64

const (
	OpErase   Operation = 1
	OpProgram Operation = 2
	OpVerify  Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	case OpVerify:
		return "verify"
	}
	return "unknown"
}

const (
	initTimeout     = 2 * time.Second
	eraseAllTimeout = 30 * time.Second
	defaultTimeout  = time.Second
	pollInterval    = time.Millisecond
	// riscvDCSR makes ebreak enter debug mode instead of trapping.
	riscvDCSR      target.RegisterID = 0x7b0
	dcsrEbreakBits                   = 1<<15 | 1<<13 | 1<<12
)

// Core is the part of a probe the runner needs. target.Target satisfies it.
type Core interface {
	Halt(ctx context.Context) error
	Resume(ctx context.Context, pc *uint64) error
	PollHaltReason(ctx context.Context) (*target.HaltCause, error)
	ReadRegister(ctx context.Context, reg target.RegisterID) (uint64, error)
	WriteRegister(ctx context.Context, reg target.RegisterID, value uint64) error
	ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
}

// Runner drives one algorithm on one halted core.
type Runner struct {
	core   Core
	rmap   *regs.Map
	algo   *targetdesc.RawFlashAlgorithm
	layout Layout
	riscv  bool

	// Clock is passed to Init; zero lets the algorithm pick.
	Clock uint64
}

// NewRunner prepares algo for a core of type coreType using ram for code,
// page buffer and stack.
func NewRunner(core Core, coreType targetdesc.CoreType, algo *targetdesc.RawFlashAlgorithm, ram target.Range) (*Runner, error) {
	rmap, err := regs.ForCore(coreType)
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(algo, rmap, ram)
	if err != nil {
		return nil, err
	}
	return &Runner{
		core:   core,
		rmap:   rmap,
		algo:   algo,
		layout: layout,
		riscv:  coreType.Architecture() == targetdesc.ArchRiscv,
	}, nil
}

// Layout returns where the algorithm is placed.
func (r *Runner) Layout() Layout {
	return r.layout
}

// Load copies the algorithm into RAM and verifies it by reading it back.
func (r *Runner) Load(ctx context.Context) error {
	log.Debug("loading flash algorithm %s at %#x (%d bytes)", r.algo.Name, r.layout.Header, len(r.layout.Image))

	if err := r.core.WriteMemory(ctx, r.layout.Header, r.layout.Image); err != nil {
		return errors.FlashFailed(r.algo.Name, err)
	}
	back, err := r.core.ReadMemory(ctx, r.layout.Header, len(r.layout.Image))
	if err != nil {
		return errors.FlashFailed(r.algo.Name, err)
	}
	if !bytes.Equal(back, r.layout.Image) {
		for i := range back {
			if back[i] != r.layout.Image[i] {
				return errors.FlashFailed(r.algo.Name,
					fmt.Errorf("algorithm not loaded: mismatch at %#x", r.layout.Header+uint64(i)))
			}
		}
		return errors.FlashFailed(r.algo.Name, fmt.Errorf("algorithm not loaded: short read back"))
	}
	return nil
}

// Init calls the init routine when the algorithm has one.
func (r *Runner) Init(ctx context.Context, op Operation) error {
	if r.algo.PcInit == nil {
		return nil
	}
	addr := r.algo.FlashProperties.AddressRange.Start
	clock := r.Clock
	opv := uint64(op)
	return r.expectZero(ctx, "init", *r.algo.PcInit, []*uint64{&addr, &clock, &opv}, true, initTimeout)
}

// Uninit calls the uninit routine when the algorithm has one.
func (r *Runner) Uninit(ctx context.Context, op Operation) error {
	if r.algo.PcUninit == nil {
		return nil
	}
	opv := uint64(op)
	return r.expectZero(ctx, "uninit", *r.algo.PcUninit, []*uint64{&opv}, false, initTimeout)
}

// EraseSector erases the sector starting at addr.
func (r *Runner) EraseSector(ctx context.Context, addr uint64) error {
	log.Debug("erasing sector at %#x", addr)
	timeout := millis(r.algo.FlashProperties.EraseSectorTimeout)
	return r.expectZero(ctx, fmt.Sprintf("erase_sector(%#x)", addr), r.algo.PcEraseSector, []*uint64{&addr}, false, timeout)
}

// EraseAll erases the whole flash when the algorithm supports it.
func (r *Runner) EraseAll(ctx context.Context) error {
	if r.algo.PcEraseAll == nil {
		return errors.FlashFailed(r.algo.Name, fmt.Errorf("chip erase not supported"))
	}
	return r.expectZero(ctx, "erase_all", *r.algo.PcEraseAll, nil, false, eraseAllTimeout)
}

// ProgramPage writes one page. data must not exceed the page size.
func (r *Runner) ProgramPage(ctx context.Context, addr uint64, data []byte) error {
	if len(data) > int(r.algo.FlashProperties.PageSize) {
		return errors.FlashFailed(r.algo.Name, fmt.Errorf("page of %d bytes exceeds page size %d", len(data), r.algo.FlashProperties.PageSize))
	}
	if err := r.core.WriteMemory(ctx, r.layout.PageBuffer, data); err != nil {
		return errors.FlashFailed(r.algo.Name, err)
	}
	n := uint64(len(data))
	buf := r.layout.PageBuffer
	timeout := millis(r.algo.FlashProperties.ProgramPageTimeout)
	return r.expectZero(ctx, fmt.Sprintf("program_page(%#x)", addr), r.algo.PcProgramPage, []*uint64{&addr, &n, &buf}, false, timeout)
}

// Run performs a complete request: load, erase the requested sectors or the
// whole chip, then program the data page by page.
func (r *Runner) Run(ctx context.Context, req target.FlashRequest) error {
	if err := r.Load(ctx); err != nil {
		return err
	}
	props := r.algo.FlashProperties

	if req.EraseAll {
		if err := r.Init(ctx, OpErase); err != nil {
			return err
		}
		if err := r.EraseAll(ctx); err != nil {
			return err
		}
		if err := r.Uninit(ctx, OpErase); err != nil {
			return err
		}
	} else if sectors := Sectors(props, req.Erase); len(sectors) > 0 {
		if err := r.Init(ctx, OpErase); err != nil {
			return err
		}
		for _, s := range sectors {
			if err := r.EraseSector(ctx, s.Base); err != nil {
				return err
			}
		}
		if err := r.Uninit(ctx, OpErase); err != nil {
			return err
		}
	}

	if pages := Pages(props, req.Address, req.Data); len(pages) > 0 {
		if err := r.Init(ctx, OpProgram); err != nil {
			return err
		}
		for _, p := range pages {
			if err := r.ProgramPage(ctx, p.Address, p.Data); err != nil {
				return err
			}
		}
		if err := r.Uninit(ctx, OpProgram); err != nil {
			return err
		}
	}
	return nil
}

func millis(ms uint32) time.Duration {
	if ms == 0 {
		return defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Runner) expectZero(ctx context.Context, name string, entry uint64, args []*uint64, init bool, timeout time.Duration) error {
	result, err := r.call(ctx, entry, args, init, timeout)
	if err != nil {
		return errors.FlashFailed(r.algo.Name, fmt.Errorf("%s: %w", name, err))
	}
	if result != 0 {
		return errors.FlashFailed(r.algo.Name, fmt.Errorf("%s returned %#x", name, result))
	}
	return nil
}

// call runs the routine at entry (relative to the code start) and returns
// the result register. Static base and stack are only set up on init.
func (r *Runner) call(ctx context.Context, entry uint64, args []*uint64, init bool, timeout time.Duration) (uint64, error) {
	cc := r.rmap.Calling()
	pc := r.layout.Code + entry
	ret := r.layout.Header
	if r.rmap.Thumb() {
		pc |= 1
		ret |= 1
	}

	type write struct {
		reg target.RegisterID
		val uint64
	}
	writes := []write{{cc.PC, pc}, {cc.ReturnAddress, ret}}
	for i, a := range args {
		if a != nil && i < len(cc.Args) {
			writes = append(writes, write{cc.Args[i], *a})
		}
	}
	if init {
		writes = append(writes, write{cc.SP, r.layout.StackTop})
		if cc.HasStaticBase {
			writes = append(writes, write{cc.StaticBase, r.layout.StaticBase})
		}
	}
	for _, w := range writes {
		if err := r.core.WriteRegister(ctx, w.reg, w.val); err != nil {
			return 0, err
		}
	}

	if r.riscv {
		if dcsr, err := r.core.ReadRegister(ctx, riscvDCSR); err == nil {
			if err := r.core.WriteRegister(ctx, riscvDCSR, dcsr|dcsrEbreakBits); err != nil {
				log.Debug("cannot set dcsr ebreak bits: %v", err)
			}
		} else {
			log.Debug("cannot read dcsr: %v", err)
		}
	}

	if err := r.core.Resume(ctx, nil); err != nil {
		return 0, err
	}
	if err := r.waitHalted(ctx, timeout); err != nil {
		return 0, err
	}
	return r.core.ReadRegister(ctx, cc.Result)
}

// waitHalted polls until the routine traps back into the header.
func (r *Runner) waitHalted(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		cause, err := r.core.PollHaltReason(ctx)
		if err != nil {
			return err
		}
		if cause != nil {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			if err := r.core.Halt(ctx); err != nil {
				log.Warn("failed to halt core after flash routine timeout: %v", err)
			}
			return errors.Timeout("flash routine", timeout.Seconds())
		case <-ctx.Done():
			_ = r.core.Halt(context.Background())
			return ctx.Err()
		}
	}
}
