package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/target/sim"
	"github.com/markus-k/probe-rs/internal/targetdesc"
	"github.com/markus-k/probe-rs/pkg/types"
)

const ramBase = 0x20000000

func newTestServer(t *testing.T, cfg *config.Config, chip string, opts sim.Options) (*Server, *sim.Sim) {
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
	if err := s.Load(ramBase, bytes.Repeat([]byte{0x00, 0xbf}, 64)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if opts.StartHalted {
		if err := s.WriteRegister(context.Background(), regs.ArmPC, ramBase); err != nil {
			t.Fatalf("WriteRegister failed: %v", err)
		}
	}
	p, err := debug.NewProbe(target.NewShared(s, "sim"), c)
	if err != nil {
		t.Fatalf("NewProbe failed: %v", err)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, p, reg), s
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("expected content in result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func decode[T any](t *testing.T, text string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		t.Fatalf("failed to decode %s: %v", text, err)
	}
	return v
}

// TestToolGating verifies probe_reset is only offered in full mode.
func TestToolGating(t *testing.T) {
	full, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})
	if !slices.Contains(full.Tools(), "probe_reset") {
		t.Errorf("expected probe_reset in full mode, got %v", full.Tools())
	}

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeReadOnly
	ro, _ := newTestServer(t, cfg, "sim-m0", sim.Options{StartHalted: true})
	if slices.Contains(ro.Tools(), "probe_reset") {
		t.Errorf("expected no probe_reset in readonly mode, got %v", ro.Tools())
	}
	if len(ro.Tools()) != 5 {
		t.Errorf("expected 5 inspection tools, got %v", ro.Tools())
	}

	text, isErr := call(t, ro.handleProbeReset, nil)
	if !isErr {
		t.Errorf("expected reset to be refused, got %s", text)
	}
}

// TestProbeStatus verifies core states and the program counter.
func TestProbeStatus(t *testing.T) {
	s, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})

	text, isErr := call(t, s.handleProbeStatus, nil)
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	status := decode[types.ProbeStatus](t, text)
	if status.Chip != "sim-m0" || status.Probe != "sim" || len(status.Cores) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	core := status.Cores[0]
	if core.State != types.CoreStateHalted || core.HaltCause != "request" {
		t.Errorf("expected halted by request, got %s (%s)", core.State, core.HaltCause)
	}
	if core.PC == nil || *core.PC != ramBase {
		t.Errorf("expected pc %#x, got %v", ramBase, core.PC)
	}
	if core.BreakpointsTotal != 0 || core.BreakpointsUsed != 0 {
		t.Errorf("expected no known comparators, got %d/%d", core.BreakpointsUsed, core.BreakpointsTotal)
	}
}

// TestReadMemory verifies memory reads and their refusals.
func TestReadMemory(t *testing.T) {
	s, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})

	text, isErr := call(t, s.handleProbeReadMemory, map[string]any{"address": "0x20000000", "length": 8})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	dump := decode[types.MemoryDump](t, text)
	if dump.Hex != "00bf00bf00bf00bf" {
		t.Errorf("expected 00bf00bf00bf00bf, got %s", dump.Hex)
	}
	if len(dump.Words) != 2 || dump.Words[0] != "0xbf00bf00" {
		t.Errorf("expected words 0xbf00bf00, got %v", dump.Words)
	}

	if text, isErr := call(t, s.handleProbeReadMemory, map[string]any{"address": "0x90000000"}); !isErr {
		t.Errorf("expected out of range error, got %s", text)
	}
	if text, isErr := call(t, s.handleProbeReadMemory, map[string]any{"address": "nope"}); !isErr {
		t.Errorf("expected invalid address error, got %s", text)
	}
	if text, isErr := call(t, s.handleProbeReadMemory, nil); !isErr {
		t.Errorf("expected missing address error, got %s", text)
	}
	if text, isErr := call(t, s.handleProbeReadMemory, map[string]any{"address": "0x20000000", "core": 3}); !isErr {
		t.Errorf("expected no such core error, got %s", text)
	}
}

// TestReadMemoryRunning verifies running cores are not touched.
func TestReadMemoryRunning(t *testing.T) {
	s, sm := newTestServer(t, nil, "sim-m0", sim.Options{})

	sm.ResetCalls()
	text, isErr := call(t, s.handleProbeReadMemory, map[string]any{"address": "0x20000000", "length": 4})
	if !isErr {
		t.Fatalf("expected refusal, got %s", text)
	}
	if sm.Calls("read_memory") != 0 {
		t.Errorf("expected no memory access, got %d", sm.Calls("read_memory"))
	}

	text, _ = call(t, s.handleProbeStatus, nil)
	status := decode[types.ProbeStatus](t, text)
	if status.Cores[0].State != types.CoreStateRunning || status.Cores[0].PC != nil {
		t.Errorf("expected running core without pc, got %+v", status.Cores[0])
	}
}

// TestCoreRegisters verifies the register file of a halted core.
func TestCoreRegisters(t *testing.T) {
	s, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})

	text, isErr := call(t, s.handleProbeCoreRegisters, nil)
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	result := decode[types.CoreRegisters](t, text)
	if len(result.Registers) != 17 {
		t.Fatalf("expected 17 registers, got %d", len(result.Registers))
	}
	if pc := result.Registers[15]; pc.Name != "pc" || pc.Value != "0x20000000" {
		t.Errorf("expected pc = 0x20000000, got %s = %s", pc.Name, pc.Value)
	}
}

// TestListChips verifies chip listings and single chip descriptions.
func TestListChips(t *testing.T) {
	s, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})

	text, isErr := call(t, s.handleProbeListChips, nil)
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	list := decode[struct {
		Chips []types.ChipSummary `json:"chips"`
	}](t, text)
	found := false
	for _, c := range list.Chips {
		found = found || c.Name == "sim-m4-dual"
	}
	if !found {
		t.Errorf("expected sim-m4-dual in %v", list.Chips)
	}

	text, isErr = call(t, s.handleProbeListChips, map[string]any{"chip": "sim-m4"})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	info := decode[types.ChipInfo](t, text)
	if info.Name != "sim-m4-dual" || len(info.Cores) != 2 {
		t.Errorf("expected sim-m4-dual with 2 cores, got %+v", info)
	}

	if text, isErr := call(t, s.handleProbeListChips, map[string]any{"chip": "nrf52840"}); !isErr {
		t.Errorf("expected unknown chip error, got %s", text)
	}
}

// TestReset verifies a reset that halts the core.
func TestReset(t *testing.T) {
	s, sm := newTestServer(t, nil, "sim-m0", sim.Options{})

	text, isErr := call(t, s.handleProbeReset, map[string]any{"halt": true})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if sm.Calls("reset") != 1 {
		t.Errorf("expected 1 reset, got %d", sm.Calls("reset"))
	}
	st, err := s.probe.Shared().Status(context.Background(), 0)
	if err != nil || !st.Halted() {
		t.Errorf("expected halted core, got %v (%v)", st.State, err)
	}
}

// TestListSessions verifies debugger sessions are reported.
func TestListSessions(t *testing.T) {
	s, _ := newTestServer(t, nil, "sim-m0", sim.Options{StartHalted: true})

	dbg, err := s.probe.NewSession(context.Background(), "gdb", "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer dbg.Close(context.Background())

	text, _ := call(t, s.handleProbeListSessions, nil)
	list := decode[struct {
		Sessions []types.SessionInfo `json:"sessions"`
	}](t, text)
	if len(list.Sessions) != 1 || list.Sessions[0].Kind != "gdb" || list.Sessions[0].SessionID != dbg.ID {
		t.Errorf("expected the gdb session, got %+v", list.Sessions)
	}
}
