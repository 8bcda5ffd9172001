package debug

import (
	"bytes"
	"context"
	"testing"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/target/sim"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

const ramBase = 0x20000000

func nops(n int) []byte {
	return bytes.Repeat([]byte{0x00, 0xbf}, n)
}

func ptr(v uint64) *uint64 { return &v }

func newTestProbe(t *testing.T, chip string, opts sim.Options) (*Probe, *sim.Sim) {
	t.Helper()
	reg, err := targetdesc.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	c, err := reg.Lookup(chip)
	if err != nil {
		t.Fatalf("failed to find %s: %v", chip, err)
	}
	s, err := sim.New(c, opts)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	p, err := NewProbe(target.NewShared(s, "sim"), c)
	if err != nil {
		t.Fatalf("NewProbe failed: %v", err)
	}
	return p, s
}

func newTestSession(t *testing.T, opts sim.Options) (*Session, *sim.Sim) {
	t.Helper()
	p, s := newTestProbe(t, "sim-m0", opts)
	sess, err := p.NewSession(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := s.Load(ramBase, nops(64)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := sess.WriteRegister(context.Background(), sess.RegisterMap().PC(), ramBase); err != nil {
		t.Fatalf("failed to set pc: %v", err)
	}
	return sess, s
}

func errorCode(err error) errors.ErrorCode {
	var de *errors.DebugError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// TestSoftwareBreakpoint verifies patching, shadowed reads and exact restore.
func TestSoftwareBreakpoint(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	addr := uint64(ramBase + 0x10)

	if err := sess.InsertBreakpoint(ctx, target.Software, addr, 2); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	writes := s.Calls("write_memory")
	if err := sess.InsertBreakpoint(ctx, target.Software, addr, 2); err != nil {
		t.Fatalf("second InsertBreakpoint failed: %v", err)
	}
	if s.Calls("write_memory") != writes {
		t.Error("expected a repeated insert to leave the hardware alone")
	}
	if sess.Breakpoints.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", sess.Breakpoints.Len())
	}

	raw, _ := s.Peek(addr, 2)
	if !bytes.Equal(raw, []byte{0x00, 0xbe}) {
		t.Errorf("expected BKPT in memory, got % x", raw)
	}
	seen, err := sess.ReadMemory(ctx, addr, 4)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if !bytes.Equal(seen, nops(2)) {
		t.Errorf("expected original code through the debugger, got % x", seen)
	}

	if err := sess.RemoveBreakpoint(ctx, target.Software, addr); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}
	raw, _ = s.Peek(addr, 2)
	if !bytes.Equal(raw, []byte{0x00, 0xbf}) {
		t.Errorf("expected original bytes restored, got % x", raw)
	}
}

// TestRemoveAbsentBreakpoint verifies removal of an unknown entry succeeds
// without hardware access.
func TestRemoveAbsentBreakpoint(t *testing.T) {
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	s.ResetCalls()

	for _, kind := range []target.BreakpointKind{target.Software, target.Hardware, target.WatchRead} {
		if err := sess.RemoveBreakpoint(context.Background(), kind, 0x1234); err != nil {
			t.Errorf("expected removing absent %s to succeed, got %v", kind, err)
		}
	}
	if n := s.Calls("write_memory") + s.Calls("clear_hw_breakpoint") + s.Calls("clear_watchpoint"); n != 0 {
		t.Errorf("expected no hardware calls, got %d", n)
	}
}

// TestSoftwareBreakpointInFlash verifies flash addresses fall back to a
// comparator and that comparators holding one address are shared.
func TestSoftwareBreakpointInFlash(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.InsertBreakpoint(ctx, target.Software, 0x1000, 4); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	e, _ := sess.Breakpoints.Get(target.Software, 0x1000)
	if e.Patched() || e.Unit != 0 {
		t.Fatalf("expected comparator 0, got unit %d", e.Unit)
	}
	if err := sess.InsertBreakpoint(ctx, target.Hardware, 0x1000, 2); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	if s.Calls("set_hw_breakpoint") != 1 {
		t.Errorf("expected one comparator write, got %d", s.Calls("set_hw_breakpoint"))
	}

	if err := sess.RemoveBreakpoint(ctx, target.Hardware, 0x1000); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}
	held, _ := s.HWBreakpoints(ctx)
	if held[0] == nil || *held[0] != 0x1000 {
		t.Error("expected comparator to stay programmed for the remaining entry")
	}
	if err := sess.RemoveBreakpoint(ctx, target.Software, 0x1000); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}
	held, _ = s.HWBreakpoints(ctx)
	if held[0] != nil {
		t.Error("expected comparator to be cleared")
	}
}

// TestHardwareLimit verifies comparator exhaustion is reported.
func TestHardwareLimit(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, sim.Options{StartHalted: true, HWBreakpoints: 2})

	for _, addr := range []uint64{0x100, 0x200} {
		if err := sess.InsertBreakpoint(ctx, target.Hardware, addr, 2); err != nil {
			t.Fatalf("InsertBreakpoint(%#x) failed: %v", addr, err)
		}
	}
	err := sess.InsertBreakpoint(ctx, target.Hardware, 0x300, 2)
	if errorCode(err) != errors.CodeHardwareLimit {
		t.Fatalf("expected HARDWARE_LIMIT, got %v", err)
	}
	if sess.Breakpoints.Len() != 2 {
		t.Errorf("expected the failed insert to leave 2 entries, got %d", sess.Breakpoints.Len())
	}
}

// TestStepOntoBreakpoint verifies a breakpoint at the new PC wins over Step.
func TestStepOntoBreakpoint(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, sim.Options{StartHalted: true})

	stop, err := sess.Run.Step(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if stop.Reason.Kind != ReasonStep || stop.PC != ramBase+2 {
		t.Errorf("expected plain step to %#x, got %s at %#x", ramBase+2, stop.Reason, stop.PC)
	}

	if err := sess.InsertBreakpoint(ctx, target.Hardware, ramBase+4, 2); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	stop, err = sess.Run.Step(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if stop.Reason.Kind != ReasonBreakpoint || !stop.Reason.Hardware {
		t.Errorf("expected hardware breakpoint, got %s", stop.Reason)
	}
	if stop.Reason.Signal() != SIGTRAP {
		t.Errorf("expected SIGTRAP, got %d", stop.Reason.Signal())
	}
}

// TestStepOverSoftwareBreakpoint verifies stepping from a patched
// instruction executes the original code and re-arms the breakpoint.
func TestStepOverSoftwareBreakpoint(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.InsertBreakpoint(ctx, target.Software, ramBase, 2); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	stop, err := sess.Run.Step(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if stop.PC != ramBase+2 {
		t.Errorf("expected pc %#x, got %#x", ramBase+2, stop.PC)
	}
	raw, _ := s.Peek(ramBase, 2)
	if !bytes.Equal(raw, []byte{0x00, 0xbe}) {
		t.Errorf("expected breakpoint re-armed, got % x", raw)
	}
}

// TestContinueToBreakpoint verifies continue steps off a breakpoint at the
// PC and stops at the next one.
func TestContinueToBreakpoint(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, sim.Options{StartHalted: true, StepsPerPoll: 100})

	for _, addr := range []uint64{ramBase, ramBase + 8} {
		if err := sess.InsertBreakpoint(ctx, target.Hardware, addr, 2); err != nil {
			t.Fatalf("InsertBreakpoint failed: %v", err)
		}
	}
	stop, err := sess.Run.Continue(ctx, 0, nil)
	if err != nil || stop != nil {
		t.Fatalf("expected the core to run, got %v, %v", stop, err)
	}
	if sess.Run.State(0) != CoreRunning {
		t.Errorf("expected running, got %s", sess.Run.State(0))
	}

	got, err := sess.Run.WaitForHalt(ctx, []int{0}, nil)
	if err != nil {
		t.Fatalf("WaitForHalt failed: %v", err)
	}
	if got.PC != ramBase+8 || got.Reason.Kind != ReasonBreakpoint {
		t.Errorf("expected breakpoint at %#x, got %s at %#x", ramBase+8, got.Reason, got.PC)
	}
	if sess.Run.State(0) != CoreHalted {
		t.Errorf("expected halted, got %s", sess.Run.State(0))
	}
}

// TestInterrupt verifies an interrupt while running reports an external
// halt as SIGTRAP.
func TestInterrupt(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t, sim.Options{StartHalted: true})

	if _, err := sess.Run.Continue(ctx, 0, ptr(ramBase+4)); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	interrupt := make(chan struct{})
	close(interrupt)

	stop, err := sess.Run.WaitForHalt(ctx, []int{0}, interrupt)
	if err != nil {
		t.Fatalf("WaitForHalt failed: %v", err)
	}
	if stop.Reason.Kind != ReasonExternal {
		t.Errorf("expected external halt, got %s", stop.Reason)
	}
	if stop.Reason.Signal() != SIGTRAP {
		t.Errorf("expected SIGTRAP, got %d", stop.Reason.Signal())
	}
	if stop.PC != ramBase+4 {
		t.Errorf("expected pc %#x, got %#x", ramBase+4, stop.PC)
	}
}

// TestInterruptIgnoresPendingCause verifies an interrupt reports an external
// halt even when the hardware has another halt cause pending.
func TestInterruptIgnoresPendingCause(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if _, err := sess.Run.Continue(ctx, 0, nil); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	s.Trigger(0, target.HaltCause{Kind: target.HaltException, Signal: SIGSEGV})

	stop, err := sess.Run.Interrupt(ctx, 0)
	if err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if stop.Reason.Kind != ReasonExternal || stop.Reason.Signal() != SIGTRAP {
		t.Errorf("expected external trap, got %s", stop.Reason)
	}
	if sess.Run.State(0) != CoreHalted {
		t.Errorf("expected halted, got %s", sess.Run.State(0))
	}
}

// TestWatchpointHit verifies watchpoint hits carry the address and access.
func TestWatchpointHit(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.InsertBreakpoint(ctx, target.WatchWrite, ramBase+0x400, 4); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	e, _ := sess.Breakpoints.Get(target.WatchWrite, ramBase+0x400)
	if _, err := sess.Run.Continue(ctx, 0, nil); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if !s.TriggerWatch(0, e.Unit) {
		t.Fatal("expected watchpoint unit to be programmed")
	}

	stop, err := sess.Run.WaitForHalt(ctx, []int{0}, nil)
	if err != nil {
		t.Fatalf("WaitForHalt failed: %v", err)
	}
	if stop.Reason.Kind != ReasonWatchpoint || stop.Reason.Addr != ramBase+0x400 || stop.Reason.Access != target.WatchWrite {
		t.Errorf("expected write watchpoint at %#x, got %s", ramBase+0x400, stop.Reason)
	}
}

// TestHaltReasonSignal verifies signal mapping of raw causes.
func TestHaltReasonSignal(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	tests := []struct {
		cause target.HaltCause
		want  int
	}{
		{target.HaltCause{Kind: target.HaltException, Signal: SIGSEGV}, SIGSEGV},
		{target.HaltCause{Kind: target.HaltException}, SIGTRAP},
		{target.HaltCause{Kind: target.HaltUnknown}, SIGTRAP},
		{target.HaltCause{Kind: target.HaltExternal}, SIGTRAP},
	}
	for _, tt := range tests {
		if _, err := sess.Run.Continue(ctx, 0, nil); err != nil {
			t.Fatalf("Continue failed: %v", err)
		}
		s.Trigger(0, tt.cause)
		stop, err := sess.Run.WaitForHalt(ctx, []int{0}, nil)
		if err != nil {
			t.Fatalf("WaitForHalt failed: %v", err)
		}
		if stop.Reason.Signal() != tt.want {
			t.Errorf("%s: expected signal %d, got %d", tt.cause.Kind, tt.want, stop.Reason.Signal())
		}
	}
}

// TestMemoryGuard verifies unmapped accesses never reach the probe.
func TestMemoryGuard(t *testing.T) {
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	s.ResetCalls()

	_, err := sess.ReadMemory(context.Background(), 0x30000000, 4)
	if errorCode(err) != errors.CodeOutOfRange {
		t.Fatalf("expected OUT_OF_RANGE, got %v", err)
	}
	_, err = sess.ReadMemory(context.Background(), ramBase+0x1ffe, 4)
	if errorCode(err) != errors.CodeOutOfRange {
		t.Fatalf("expected OUT_OF_RANGE past the end of RAM, got %v", err)
	}
	if s.Calls("read_memory") != 0 {
		t.Errorf("expected no memory reads, got %d", s.Calls("read_memory"))
	}
}

// TestMemoryWhileRunning verifies a running core rejects memory access
// without a hardware read.
func TestMemoryWhileRunning(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if _, err := sess.Run.Continue(ctx, 0, nil); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	s.ResetCalls()
	_, err := sess.ReadMemory(ctx, ramBase, 4)
	if errorCode(err) != errors.CodeNotHalted {
		t.Fatalf("expected NOT_HALTED, got %v", err)
	}
	if s.Calls("read_memory")+s.Calls("halt") != 0 {
		t.Error("expected no hardware access")
	}
}

// TestWriteMemoryKeepsBreakpoints verifies writes over a patched
// instruction update the saved code and keep the breakpoint armed.
func TestWriteMemoryKeepsBreakpoints(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.InsertBreakpoint(ctx, target.Software, ramBase+2, 2); err != nil {
		t.Fatalf("InsertBreakpoint failed: %v", err)
	}
	if err := sess.WriteMemory(ctx, ramBase, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	raw, _ := s.Peek(ramBase, 4)
	if !bytes.Equal(raw, []byte{1, 2, 0x00, 0xbe}) {
		t.Errorf("expected breakpoint kept in memory, got % x", raw)
	}
	if err := sess.RemoveBreakpoint(ctx, target.Software, ramBase+2); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}
	raw, _ = s.Peek(ramBase, 4)
	if !bytes.Equal(raw, []byte{1, 2, 3, 4}) {
		t.Errorf("expected written bytes after removal, got % x", raw)
	}
}

// TestWriteMemoryRejectsFlash verifies plain writes never reach flash.
func TestWriteMemoryRejectsFlash(t *testing.T) {
	sess, _ := newTestSession(t, sim.Options{StartHalted: true})
	err := sess.WriteMemory(context.Background(), 0x100, []byte{1})
	if errorCode(err) != errors.CodeInvalidParameter {
		t.Fatalf("expected INVALID_PARAMETER, got %v", err)
	}
}

// TestRegisterCache verifies registers are read once per halt.
func TestRegisterCache(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	s.ResetCalls()

	n := len(sess.RegisterMap().Regs())
	first, err := sess.ReadRegisters(ctx)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	if _, err := sess.ReadRegisters(ctx); err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	// the pc is cached by the write in setup
	if s.Calls("read_register") != n-1 {
		t.Errorf("expected %d register reads, got %d", n-1, s.Calls("read_register"))
	}
	if first[15] != ramBase {
		t.Errorf("expected pc %#x, got %#x", ramBase, first[15])
	}

	if _, err := sess.Run.Step(ctx, 0, nil); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if sess.Cache(0).Len() != 0 {
		t.Error("expected the cache to be invalidated by a halt")
	}
}

// TestFlashPipeline verifies nothing is programmed before done and done
// programs exactly the staged bytes.
func TestFlashPipeline(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.FlashErase(0, 0x400); err != nil {
		t.Fatalf("FlashErase failed: %v", err)
	}
	if err := sess.FlashWrite(0, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("FlashWrite failed: %v", err)
	}
	if sess.Flash.State() != FlashStaging {
		t.Errorf("expected staging, got %s", sess.Flash.State())
	}
	if len(s.FlashRuns()) != 0 {
		t.Fatal("expected no algorithm run before done")
	}

	if err := sess.FlashDone(ctx); err != nil {
		t.Fatalf("FlashDone failed: %v", err)
	}
	runs := s.FlashRuns()
	if len(runs) != 1 {
		t.Fatalf("expected 1 algorithm run, got %d", len(runs))
	}
	if runs[0].Address != 0 || !bytes.Equal(runs[0].Data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("expected 4 bytes at 0, got %d bytes at %#x", len(runs[0].Data), runs[0].Address)
	}
	if sess.Flash.State() != FlashIdle {
		t.Errorf("expected idle after done, got %s", sess.Flash.State())
	}
	got, _ := s.Peek(0, 6)
	if !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef, 0xff, 0xff}) {
		t.Errorf("unexpected flash contents % x", got)
	}
}

// TestFlashMerge verifies writes are merged with erased-value gaps.
func TestFlashMerge(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.FlashErase(0, 0x800); err != nil {
		t.Fatalf("FlashErase failed: %v", err)
	}
	_ = sess.FlashWrite(0x10, []byte{1, 2})
	_ = sess.FlashWrite(0x14, []byte{3})
	_ = sess.FlashWrite(0x11, []byte{9})
	if err := sess.FlashDone(ctx); err != nil {
		t.Fatalf("FlashDone failed: %v", err)
	}
	runs := s.FlashRuns()
	if len(runs) != 1 {
		t.Fatalf("expected 1 algorithm run, got %d", len(runs))
	}
	want := []byte{1, 9, 0xff, 0xff, 3}
	if runs[0].Address != 0x10 || !bytes.Equal(runs[0].Data, want) {
		t.Errorf("expected % x at 0x10, got % x at %#x", want, runs[0].Data, runs[0].Address)
	}
	if len(runs[0].Erase) != 1 || runs[0].Erase[0] != (target.Range{Start: 0, End: 0x800}) {
		t.Errorf("unexpected erase ranges %v", runs[0].Erase)
	}
}

// TestFlashUnalignedErase verifies an erase that does not start and end on
// sector boundaries erases the covering sectors and accepts writes inside the
// requested range.
func TestFlashUnalignedErase(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})

	if err := sess.FlashErase(0, 0x200); err != nil {
		t.Fatalf("FlashErase failed: %v", err)
	}
	if err := sess.FlashWrite(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("FlashWrite failed: %v", err)
	}
	if len(s.FlashRuns()) != 0 {
		t.Fatalf("expected no algorithm run before done, got %d", len(s.FlashRuns()))
	}
	if err := sess.FlashDone(ctx); err != nil {
		t.Fatalf("FlashDone failed: %v", err)
	}

	runs := s.FlashRuns()
	if len(runs) != 1 {
		t.Fatalf("expected 1 algorithm run, got %d", len(runs))
	}
	if runs[0].Address != 0 || !bytes.Equal(runs[0].Data, []byte{1, 2, 3, 4}) {
		t.Errorf("expected 4 bytes at 0, got % x at %#x", runs[0].Data, runs[0].Address)
	}
	if len(runs[0].Erase) != 1 || runs[0].Erase[0] != (target.Range{Start: 0, End: 0x400}) {
		t.Errorf("expected the first sector to be erased, got %v", runs[0].Erase)
	}
}

// TestFlashSequence verifies rejected flash commands abandon the sequence
// without touching the flash.
func TestFlashSequence(t *testing.T) {
	type eraseRange struct {
		addr   uint64
		length int
	}
	tests := []struct {
		name  string
		erase []eraseRange
		addr  uint64
		size  int
		want  errors.ErrorCode
	}{
		{"write before erase", nil, 0, 1, errors.CodeFlashSequence},
		{"write outside erase", []eraseRange{{0, 0x400}}, 0x400, 1, errors.CodeInvalidParameter},
		{"write past requested range", []eraseRange{{0, 0x200}}, 0x1fe, 4, errors.CodeInvalidParameter},
		{"write wraps address space", []eraseRange{{0, 0x400}}, 0xfffffffffffffff0, 32, errors.CodeInvalidParameter},
		{"write past end of flash", []eraseRange{{0xfc00, 0x400}}, 0xfffe, 4, errors.CodeInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sess, s := newTestSession(t, sim.Options{StartHalted: true})

			for _, e := range tt.erase {
				if err := sess.FlashErase(e.addr, e.length); err != nil {
					t.Fatalf("FlashErase failed: %v", err)
				}
			}
			if err := sess.FlashWrite(tt.addr, make([]byte, tt.size)); errorCode(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
			if sess.Flash.State() != FlashIdle {
				t.Errorf("expected the sequence to be abandoned, got %s", sess.Flash.State())
			}
			if err := sess.FlashDone(ctx); err != nil {
				t.Errorf("expected done after abandon to succeed, got %v", err)
			}
			if len(s.FlashRuns()) != 0 {
				t.Errorf("expected no algorithm runs, got %d", len(s.FlashRuns()))
			}
		})
	}
}

// TestFlashEraseRejected verifies erase ranges outside flash.
func TestFlashEraseRejected(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint64
		length int
		want   errors.ErrorCode
	}{
		{"not flash", ramBase, 0x400, errors.CodeInvalidParameter},
		{"empty", 0, 0, errors.CodeInvalidParameter},
		{"past end of flash", 0xfc00, 0x800, errors.CodeOutOfRange},
		{"wraps address space", 0xfc00, int(^uint(0) >> 1), errors.CodeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, _ := newTestSession(t, sim.Options{StartHalted: true})
			if err := sess.FlashErase(tt.addr, tt.length); errorCode(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
			if sess.Flash.State() != FlashIdle {
				t.Errorf("expected idle, got %s", sess.Flash.State())
			}
		})
	}
}

// TestFlashDoneRejectsUnmappedWrite verifies a staged write outside every
// algorithm fails the commit instead of being dropped.
func TestFlashDoneRejectsUnmappedWrite(t *testing.T) {
	sess, _ := newTestSession(t, sim.Options{StartHalted: true})
	f := NewFlashPipeline(sess.Probe().Chip())
	f.state = FlashStaging
	f.writes = []staged{{addr: 0xfffffffffffffff0, data: make([]byte, 32)}}

	runs := 0
	err := f.Done(context.Background(), func(ctx context.Context, req target.FlashRequest) error {
		runs++
		return nil
	})
	if errorCode(err) != errors.CodeOutOfRange {
		t.Errorf("expected OUT_OF_RANGE, got %v", err)
	}
	if runs != 0 {
		t.Errorf("expected no algorithm runs, got %d", runs)
	}
	if f.State() != FlashIdle {
		t.Errorf("expected idle after a failed done, got %s", f.State())
	}
}

// TestEraseChip verifies a chip erase runs every algorithm once in erase-all
// mode and blanks the flash.
func TestEraseChip(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	if err := s.Load(0x800, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := sess.EraseChip(ctx); err != nil {
		t.Fatalf("EraseChip failed: %v", err)
	}
	runs := s.FlashRuns()
	if len(runs) != 1 || !runs[0].EraseAll {
		t.Fatalf("expected one erase-all run, got %+v", runs)
	}
	got, _ := s.Peek(0x800, 4)
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("expected erased flash, got % x", got)
	}

	_ = sess.FlashErase(0, 0x400)
	if err := sess.EraseChip(ctx); errorCode(err) != errors.CodeFlashSequence {
		t.Errorf("expected FLASH_SEQUENCE during a vFlash sequence, got %v", err)
	}
}

// TestCloseCleansUp verifies a closed session leaves no breakpoints behind.
func TestCloseCleansUp(t *testing.T) {
	ctx := context.Background()
	sess, s := newTestSession(t, sim.Options{StartHalted: true})
	p := sess.Probe()

	_ = sess.InsertBreakpoint(ctx, target.Software, ramBase+0x20, 2)
	_ = sess.InsertBreakpoint(ctx, target.Hardware, 0x200, 2)
	_ = sess.FlashErase(0, 0x400)

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	raw, _ := s.Peek(ramBase+0x20, 2)
	if !bytes.Equal(raw, []byte{0x00, 0xbf}) {
		t.Errorf("expected original code restored, got % x", raw)
	}
	held, _ := s.HWBreakpoints(ctx)
	for i, h := range held {
		if h != nil {
			t.Errorf("expected comparator %d cleared", i)
		}
	}
	if p.SessionCount() != 0 {
		t.Errorf("expected no live sessions, got %d", p.SessionCount())
	}
	if len(s.FlashRuns()) != 0 {
		t.Error("expected staged flash data to be discarded")
	}
}

// TestReconcile verifies a new session reads run state and clears stale
// comparators.
func TestReconcile(t *testing.T) {
	ctx := context.Background()
	p, s := newTestProbe(t, "sim-m4-dual", sim.Options{StartHalted: true})

	_ = s.SelectCore(ctx, 1)
	_ = s.SetHWBreakpoint(ctx, 3, 0x8000100)
	_ = s.Resume(ctx, nil)

	sess, err := p.NewSession(ctx, "test", "")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if sess.Run.State(0) != CoreHalted || sess.Run.State(1) != CoreRunning {
		t.Errorf("expected core 0 halted and core 1 running, got %s and %s", sess.Run.State(0), sess.Run.State(1))
	}
	_ = s.SelectCore(ctx, 1)
	held, _ := s.HWBreakpoints(ctx)
	if held[3] != nil {
		t.Error("expected stale comparator to be cleared")
	}
}

// TestSelectCore verifies core selection bounds and that breakpoints
// survive a switch.
func TestSelectCore(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProbe(t, "sim-m4-dual", sim.Options{StartHalted: true})
	sess, err := p.NewSession(ctx, "test", "")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	_ = sess.InsertBreakpoint(ctx, target.Hardware, 0x8000200, 2)
	if err := sess.SelectCore(1); err != nil {
		t.Fatalf("SelectCore failed: %v", err)
	}
	if sess.Breakpoints.Len() != 1 {
		t.Error("expected breakpoints to survive a core switch")
	}
	if err := sess.SelectCore(2); errorCode(err) != errors.CodeNoSuchCore {
		t.Errorf("expected NO_SUCH_CORE, got %v", err)
	}
	if sess.ActiveCore() != 1 {
		t.Errorf("expected core 1 to stay active, got %d", sess.ActiveCore())
	}
}
