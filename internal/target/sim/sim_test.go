package sim

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

func newSim(t *testing.T, chip string, opts Options) *Sim {
	t.Helper()
	reg, err := targetdesc.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	c, err := reg.Lookup(chip)
	if err != nil {
		t.Fatalf("failed to find %s: %v", chip, err)
	}
	s, err := New(c, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func nops(n int) []byte {
	return bytes.Repeat([]byte{0x00, 0xbf}, n)
}

func ptr(v uint64) *uint64 { return &v }

// TestResetLoadsVectorTable verifies reset fetches SP and PC from boot memory.
func TestResetLoadsVectorTable(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	vt := []byte{0x00, 0x20, 0x00, 0x20, 0x01, 0x01, 0x00, 0x00}
	if err := s.Load(0, vt); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.ResetAndHalt(ctx); err != nil {
		t.Fatalf("ResetAndHalt failed: %v", err)
	}

	pc, _ := s.ReadRegister(ctx, regs.ArmPC)
	sp, _ := s.ReadRegister(ctx, regs.ArmSP)
	xpsr, _ := s.ReadRegister(ctx, regs.ArmXPSR)
	if pc != 0x100 {
		t.Errorf("expected pc 0x100, got %#x", pc)
	}
	if sp != 0x20002000 {
		t.Errorf("expected sp 0x20002000, got %#x", sp)
	}
	if xpsr&regs.XPSRThumb == 0 {
		t.Errorf("expected thumb bit in xpsr, got %#x", xpsr)
	}
}

// TestRunHitsComparator verifies a running core halts on a hardware breakpoint.
func TestRunHitsComparator(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true, StepsPerPoll: 8})
	if err := s.Load(0x100, nops(16)); err != nil {
		t.Fatal(err)
	}

	if err := s.SetHWBreakpoint(ctx, 0, 0x108); err != nil {
		t.Fatalf("SetHWBreakpoint failed: %v", err)
	}
	if err := s.Resume(ctx, ptr(0x100)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	cause, err := s.PollHaltReason(ctx)
	if err != nil {
		t.Fatalf("PollHaltReason failed: %v", err)
	}
	if cause == nil || cause.Kind != target.HaltBreakpoint {
		t.Fatalf("expected breakpoint halt, got %+v", cause)
	}
	if pc, _ := s.ReadRegister(ctx, regs.ArmPC); pc != 0x108 {
		t.Errorf("expected pc 0x108, got %#x", pc)
	}
}

// TestRunHitsBreakpointInstruction verifies BKPT in RAM halts the core.
func TestRunHitsBreakpointInstruction(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true, StepsPerPoll: 8})

	if err := s.WriteMemory(ctx, 0x20000004, []byte{0x00, 0xbe}); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	if err := s.Resume(ctx, ptr(0x20000000)); err != nil {
		t.Fatal(err)
	}

	cause, _ := s.PollHaltReason(ctx)
	if cause == nil || cause.Kind != target.HaltBreakpoint {
		t.Fatalf("expected breakpoint halt, got %+v", cause)
	}
	if pc, _ := s.ReadRegister(ctx, regs.ArmPC); pc != 0x20000004 {
		t.Errorf("expected pc 0x20000004, got %#x", pc)
	}
}

// TestParkedCoreKeepsRunning verifies a core without StepsPerPoll only halts on request.
func TestParkedCoreKeepsRunning(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})
	if err := s.Resume(ctx, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if cause, _ := s.PollHaltReason(ctx); cause != nil {
			t.Fatalf("expected core to keep running, got %+v", cause)
		}
	}
	if err := s.Halt(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := s.Status(ctx)
	if !st.Halted() || st.Cause.Kind != target.HaltRequest {
		t.Errorf("expected halted by request, got %+v", st)
	}
}

// TestStep verifies single steps, stepping onto a comparator and onto BKPT.
func TestStep(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})
	if err := s.Load(0x100, append(nops(2), 0x00, 0xbe)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRegister(ctx, regs.ArmPC, 0x100); err != nil {
		t.Fatal(err)
	}

	cause, err := s.Step(ctx)
	if err != nil || cause.Kind != target.HaltStep {
		t.Fatalf("expected step halt, got %+v (%v)", cause, err)
	}

	if err := s.SetHWBreakpoint(ctx, 1, 0x104); err != nil {
		t.Fatal(err)
	}
	cause, _ = s.Step(ctx)
	if cause.Kind != target.HaltMultiple {
		t.Errorf("expected step onto comparator to report multiple, got %s", cause.Kind)
	}

	cause, _ = s.Step(ctx)
	if cause.Kind != target.HaltBreakpoint {
		t.Errorf("expected step on BKPT to report breakpoint, got %s", cause.Kind)
	}
	if pc, _ := s.ReadRegister(ctx, regs.ArmPC); pc != 0x104 {
		t.Errorf("expected pc to stay at 0x104, got %#x", pc)
	}
}

// TestLeavingMemoryFaults verifies execution past mapped memory halts with SIGSEGV.
func TestLeavingMemoryFaults(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true, StepsPerPoll: 4})
	if err := s.Resume(ctx, ptr(0x20001ffe)); err != nil {
		t.Fatal(err)
	}
	cause, _ := s.PollHaltReason(ctx)
	if cause == nil || cause.Kind != target.HaltException || cause.Signal != 11 {
		t.Fatalf("expected exception halt with signal 11, got %+v", cause)
	}
}

// TestRegistersRequireHalt verifies register access fails on a running core.
func TestRegistersRequireHalt(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{})

	_, err := s.ReadRegister(ctx, regs.ArmPC)
	if !stderrors.Is(err, errors.ErrNotHalted) {
		t.Errorf("expected not halted error, got %v", err)
	}
	if _, err := s.Step(ctx); !stderrors.Is(err, errors.ErrNotHalted) {
		t.Errorf("expected step to fail while running, got %v", err)
	}
}

// TestFlashNOR verifies erase, program-clears-bits and direct write rejection.
func TestFlashNOR(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	if err := s.WriteMemory(ctx, 0x0, []byte{1}); err == nil {
		t.Error("expected direct flash write to fail")
	}

	err := s.RunFlashAlgorithm(ctx, target.FlashRequest{
		Algorithm: "sim_m0_64k",
		Address:   0x0,
		Data:      []byte{0x0f, 0xf0, 0x55, 0xaa},
		Erase:     []target.Range{{Start: 0, End: 0x400}},
	})
	if err != nil {
		t.Fatalf("RunFlashAlgorithm failed: %v", err)
	}
	got, _ := s.Peek(0, 4)
	if !bytes.Equal(got, []byte{0x0f, 0xf0, 0x55, 0xaa}) {
		t.Errorf("expected programmed bytes, got % x", got)
	}

	err = s.RunFlashAlgorithm(ctx, target.FlashRequest{
		Algorithm: "sim_m0_64k",
		Address:   0x0,
		Data:      []byte{0xf0, 0xf0, 0xff, 0xff},
	})
	if err != nil {
		t.Fatalf("second program failed: %v", err)
	}
	got, _ = s.Peek(0, 4)
	if !bytes.Equal(got, []byte{0x00, 0xf0, 0x55, 0xaa}) {
		t.Errorf("expected programming to only clear bits, got % x", got)
	}

	if runs := s.FlashRuns(); len(runs) != 2 {
		t.Errorf("expected 2 recorded flash runs, got %d", len(runs))
	}

	code, _ := s.Peek(0x20000000, 4)
	if !bytes.Equal(code, []byte{0x00, 0xbe, 0x00, 0xbe}) {
		t.Errorf("expected algorithm blob in RAM, got % x", code)
	}
}

// TestFlashRejectsOutOfRange verifies requests outside the algorithm range fail.
func TestFlashRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	err := s.RunFlashAlgorithm(ctx, target.FlashRequest{
		Algorithm: "sim_m0_64k",
		Address:   0xfffe,
		Data:      []byte{1, 2, 3, 4},
	})
	if err == nil {
		t.Error("expected out of range program to fail")
	}
	if len(s.FlashRuns()) != 0 {
		t.Error("expected no recorded run")
	}
}

// TestTriggerWatch verifies watchpoint hits report address and access kind.
func TestTriggerWatch(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	if err := s.SetWatchpoint(ctx, 0, 0x20000010, 4, target.WatchWrite); err != nil {
		t.Fatalf("SetWatchpoint failed: %v", err)
	}
	if err := s.Resume(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if !s.TriggerWatch(0, 0) {
		t.Fatal("expected trigger to be accepted")
	}

	cause, _ := s.PollHaltReason(ctx)
	if cause == nil || cause.Kind != target.HaltWatchpoint {
		t.Fatalf("expected watchpoint halt, got %+v", cause)
	}
	if cause.Address != 0x20000010 || cause.Access != target.WatchWrite {
		t.Errorf("expected write at 0x20000010, got %+v", cause)
	}
}

// TestMultiCoreVisibility verifies core-local regions and core selection.
func TestMultiCoreVisibility(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m4-dual", Options{StartHalted: true})

	if s.CoreCount() != 2 {
		t.Fatalf("expected 2 cores, got %d", s.CoreCount())
	}
	if err := s.SelectCore(ctx, 2); !stderrors.Is(err, errors.ErrNoSuchCore) {
		t.Errorf("expected no such core, got %v", err)
	}

	if err := s.SelectCore(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadMemory(ctx, 0x10000000, 4); err == nil {
		t.Error("expected core 0 not to reach CCM")
	}

	if err := s.SelectCore(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadMemory(ctx, 0x10000000, 4); err != nil {
		t.Errorf("expected core 1 to reach CCM, got %v", err)
	}
	if n, _ := s.HWBreakpointUnits(ctx); n != 6 {
		t.Errorf("expected 6 comparators on armv7em, got %d", n)
	}
}

// TestComparatorReadBack verifies comparators can be read back.
func TestComparatorReadBack(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	if err := s.SetHWBreakpoint(ctx, 2, 0x200); err != nil {
		t.Fatal(err)
	}
	bps, err := s.HWBreakpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bps) != 4 || bps[2] == nil || *bps[2] != 0x200 || bps[0] != nil {
		t.Errorf("expected only unit 2 set to 0x200, got %v", bps)
	}
}

// TestCallCounting verifies probe calls are counted.
func TestCallCounting(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-m0", Options{StartHalted: true})

	_, _ = s.ReadMemory(ctx, 0x20000000, 4)
	_, _ = s.ReadMemory(ctx, 0x20000000, 4)
	if n := s.Calls("read_memory"); n != 2 {
		t.Errorf("expected 2 memory reads, got %d", n)
	}
	s.ResetCalls()
	if n := s.Calls("read_memory"); n != 0 {
		t.Errorf("expected counters to reset, got %d", n)
	}

	out, err := s.Monitor(ctx, "sim calls")
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}
	if out != "" {
		t.Errorf("expected no counters after reset, got %q", out)
	}
	if _, err := s.Monitor(ctx, "flash erase"); err == nil {
		t.Error("expected unknown monitor command to fail")
	}
}

// TestRiscvReset verifies harts start at the boot region.
func TestRiscvReset(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, "sim-rv32", Options{StartHalted: true})

	pc, err := s.ReadRegister(ctx, regs.RiscvDPC)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if pc != 0 {
		t.Errorf("expected pc 0, got %#x", pc)
	}
	if n, _ := s.HWBreakpointUnits(ctx); n != 2 {
		t.Errorf("expected 2 triggers, got %d", n)
	}
}
