package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/target/sim"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

const ramBase = 0x20000000

func parseFlags(t *testing.T, args ...string) (*commonFlags, *flag.FlagSet, *string) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return &common, fs, listen
}

// TestFlagOverrides verifies that only flags given on the command line
// replace configuration values.
func TestFlagOverrides(t *testing.T) {
	common, fs, listen := parseFlags(t, "-chip", "sim-m4-dual", "-remote", "localhost:3333", "-mode", "readonly", "-listen", ":2331")

	cfg, err := common.load(fs, func(cfg *config.Config, name string) {
		if name == "listen" {
			cfg.GDB.Listen = *listen
		}
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Target.Chip != "sim-m4-dual" {
		t.Errorf("expected chip sim-m4-dual, got %s", cfg.Target.Chip)
	}
	if cfg.Probe.Kind != config.ProbeRemote || cfg.Probe.Remote != "localhost:3333" {
		t.Errorf("expected remote probe at localhost:3333, got %s %s", cfg.Probe.Kind, cfg.Probe.Remote)
	}
	if cfg.Mode != config.ModeReadOnly {
		t.Errorf("expected readonly mode, got %s", cfg.Mode)
	}
	if cfg.GDB.Listen != ":2331" {
		t.Errorf("expected listen :2331, got %s", cfg.GDB.Listen)
	}
	if cfg.GDB.MaxSessions != 1 {
		t.Errorf("expected default max sessions 1, got %d", cfg.GDB.MaxSessions)
	}
}

// TestDefaultListen verifies the default GDB connection string.
func TestDefaultListen(t *testing.T) {
	common, fs, _ := parseFlags(t)

	cfg, err := common.load(fs, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.GDB.Listen != "localhost:1337" {
		t.Errorf("expected localhost:1337, got %s", cfg.GDB.Listen)
	}
}

// TestInvalidFlags verifies that bad values are rejected after overrides.
func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"-mode", "admin"},
		{"-probe", "jlink"},
		{"-probe", "remote"},
		{"-log-level", "loud"},
	} {
		common, fs, _ := parseFlags(t, args...)
		if _, err := common.load(fs, nil); err == nil {
			t.Errorf("expected %v to fail", args)
		}
	}
}

// TestChipOutput verifies the chip table and the chip detail view.
func TestChipOutput(t *testing.T) {
	reg, err := targetdesc.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	var buf bytes.Buffer
	if err := writeChipList(&buf, reg.Summaries()); err != nil {
		t.Fatalf("writeChipList failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "CHIP") || !strings.Contains(buf.String(), "sim-m4-dual") {
		t.Errorf("expected chip table, got %q", buf.String())
	}

	chip, err := reg.Lookup("sim-m4-dual")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	buf.Reset()
	if err := writeChipInfo(&buf, chip.Info()); err != nil {
		t.Fatalf("writeChipInfo failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "cm4_1") || !strings.Contains(out, "0x10000000") {
		t.Errorf("expected cores and memory map, got %q", out)
	}
}

func newTestSession(t *testing.T, opts sim.Options) (*debug.Session, *sim.Sim) {
	t.Helper()
	reg, err := targetdesc.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	chip, err := reg.Lookup("sim-m0")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	s, err := sim.New(chip, opts)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	p, err := debug.NewProbe(target.NewShared(s, "sim"), chip)
	if err != nil {
		t.Fatalf("NewProbe failed: %v", err)
	}
	dbg, err := p.NewSession(context.Background(), "cli", "local")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return dbg, s
}

// TestWriteDump verifies four words per line with a short last line.
func TestWriteDump(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0, 0xef, 0xbe, 0xad, 0xde}
	if err := writeDump(&buf, ramBase, data); err != nil {
		t.Fatalf("writeDump failed: %v", err)
	}
	want := "0x20000000: 00000001 00000002 00000003 00000004\n0x20000010: deadbeef\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

// TestDump verifies a running core is halted for the read and resumed.
func TestDump(t *testing.T) {
	ctx := context.Background()
	dbg, s := newTestSession(t, sim.Options{})
	if err := s.Load(ramBase, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var buf bytes.Buffer
	if err := dump(ctx, dbg, &buf, ramBase, 1); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if buf.String() != "0x20000000: 12345678\n" {
		t.Errorf("expected one word, got %q", buf.String())
	}
	if dbg.Run.State(0) != debug.CoreRunning {
		t.Errorf("expected the core to run again, got %s", dbg.Run.State(0))
	}
}

// TestDownload verifies flash images go through the erase and program
// sequence and RAM images are written directly.
func TestDownload(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		runs int
	}{
		{"flash", 0x200, 1},
		{"ram", ramBase + 0x100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dbg, s := newTestSession(t, sim.Options{})
			data := []byte{1, 2, 3, 4, 5, 6}

			if err := download(ctx, dbg, tt.addr, data); err != nil {
				t.Fatalf("download failed: %v", err)
			}
			if n := len(s.FlashRuns()); n != tt.runs {
				t.Fatalf("expected %d algorithm runs, got %d", tt.runs, n)
			}
			got, _ := s.Peek(tt.addr, len(data))
			if !bytes.Equal(got, data) {
				t.Errorf("expected % x, got % x", data, got)
			}
			if dbg.Run.State(0) != debug.CoreHalted {
				t.Errorf("expected the core to stay halted, got %s", dbg.Run.State(0))
			}
		})
	}
}

// TestEraseCommand verifies the chip is erased with one erase-all run per
// algorithm.
func TestEraseCommand(t *testing.T) {
	dbg, s := newTestSession(t, sim.Options{})
	if err := s.Load(0x100, []byte{0, 0}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := eraseChip(context.Background(), dbg); err != nil {
		t.Fatalf("eraseChip failed: %v", err)
	}
	runs := s.FlashRuns()
	if len(runs) != 1 || !runs[0].EraseAll {
		t.Fatalf("expected one erase-all run, got %+v", runs)
	}
	got, _ := s.Peek(0x100, 2)
	if !bytes.Equal(got, []byte{0xff, 0xff}) {
		t.Errorf("expected erased flash, got % x", got)
	}
}

// TestResetCommand verifies reset with and without halt.
func TestResetCommand(t *testing.T) {
	ctx := context.Background()
	dbg, _ := newTestSession(t, sim.Options{StartHalted: true})

	var buf bytes.Buffer
	if err := resetCore(ctx, dbg, &buf, false); err != nil {
		t.Fatalf("resetCore failed: %v", err)
	}
	if dbg.Run.State(0) != debug.CoreRunning || !strings.Contains(buf.String(), "running") {
		t.Errorf("expected a running core, got %s and %q", dbg.Run.State(0), buf.String())
	}

	buf.Reset()
	if err := resetCore(ctx, dbg, &buf, true); err != nil {
		t.Fatalf("resetCore failed: %v", err)
	}
	if dbg.Run.State(0) != debug.CoreHalted || !strings.Contains(buf.String(), "halted at") {
		t.Errorf("expected a halted core, got %s and %q", dbg.Run.State(0), buf.String())
	}
}

// TestLoadImage verifies image formats and unreadable files.
func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, []byte{0xaa, 0xbb}, 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := loadImage("bin", path)
	if err != nil {
		t.Fatalf("loadImage failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0xaa, 0xbb}) {
		t.Errorf("expected aa bb, got % x", data)
	}
	if _, err := loadImage("ihex", path); err == nil {
		t.Error("expected ihex to be rejected")
	}
	if _, err := loadImage("bin", filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected a missing file to fail")
	}
}
