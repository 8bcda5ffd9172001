package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mode != ModeFull {
		t.Errorf("expected mode %s, got %s", ModeFull, cfg.Mode)
	}
	if cfg.GDB.Listen != "localhost:1337" {
		t.Errorf("expected GDB listen localhost:1337, got %s", cfg.GDB.Listen)
	}
	if cfg.GDB.MaxSessions != 1 {
		t.Errorf("expected MaxSessions 1, got %d", cfg.GDB.MaxSessions)
	}
	if cfg.GDB.PacketSize != 0x4000 {
		t.Errorf("expected PacketSize 0x4000, got %#x", cfg.GDB.PacketSize)
	}
	if !cfg.GDB.HaltOnConnect || cfg.GDB.ResetHalt {
		t.Error("expected halt on connect without reset by default")
	}
	if cfg.HaltPollInterval.Std() != 10*time.Millisecond {
		t.Errorf("expected 10ms poll interval, got %v", cfg.HaltPollInterval.Std())
	}
	if cfg.HaltTimeout.Std() != 500*time.Millisecond {
		t.Errorf("expected 500ms halt timeout, got %v", cfg.HaltTimeout.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

// TestLoadConfig_EmptyPath verifies that empty path returns defaults.
func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Probe.Kind != ProbeSim {
		t.Errorf("expected sim probe, got %s", cfg.Probe.Kind)
	}
}

// TestLoadConfig_FromFile verifies loading configuration from a JSON file.
func TestLoadConfig_FromFile(t *testing.T) {
	t.Setenv("PROBE_TARGETS", "/opt/targets")
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"mode": "readonly",
		"gdb": {"listen": ":3333", "maxSessions": 2, "packetSize": 1024, "resetHalt": true},
		"probe": {"kind": "remote", "remote": "localhost:1234"},
		"target": {"chip": "sim-m4-dual", "searchPaths": ["${env:PROBE_TARGETS}/chips"]},
		"haltPollInterval": "2ms",
		"haltTimeout": 1000000000
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mode != ModeReadOnly || cfg.CanUseControlTools() || cfg.CanReset() {
		t.Error("expected readonly mode without control tools")
	}
	if cfg.GDB.Listen != ":3333" || cfg.GDB.MaxSessions != 2 || !cfg.GDB.ResetHalt {
		t.Errorf("unexpected gdb config %+v", cfg.GDB)
	}
	if !cfg.GDB.AllowNoAck {
		t.Error("expected unspecified fields to keep their defaults")
	}
	if cfg.Target.SearchPaths[0] != "/opt/targets/chips" {
		t.Errorf("expected resolved search path, got %s", cfg.Target.SearchPaths[0])
	}
	if cfg.HaltPollInterval.Std() != 2*time.Millisecond || cfg.HaltTimeout.Std() != time.Second {
		t.Errorf("unexpected durations %v %v", cfg.HaltPollInterval.Std(), cfg.HaltTimeout.Std())
	}
}

// TestLoadConfig_Invalid verifies validation errors.
func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"bad mode", `{"mode": "admin"}`, "mode"},
		{"bad probe", `{"probe": {"kind": "jlink"}}`, "probe.kind"},
		{"remote without address", `{"probe": {"kind": "remote"}}`, "probe.remote"},
		{"zero sessions", `{"gdb": {"maxSessions": 0}}`, "gdb.maxSessions"},
		{"bad duration", `{"haltTimeout": "soon"}`, "config.json"},
		{"unknown variable", `{"target": {"searchPaths": ["${workspaceFolder}"]}}`, "target.searchPaths"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			var de *errors.DebugError
			if !errors.As(err, &de) || de.Code != errors.CodeConfigInvalid {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to name %s, got %v", tt.field, err)
			}
		})
	}
}

// TestResolveVariables verifies variable expansion.
func TestResolveVariables(t *testing.T) {
	t.Setenv("CHIP_DIR", "chips")
	home, _ := os.UserHomeDir()

	got, err := ResolveVariables("${userHome}/${env:CHIP_DIR}")
	if err != nil {
		t.Fatalf("ResolveVariables failed: %v", err)
	}
	if got != home+"/chips" {
		t.Errorf("expected %s/chips, got %s", home, got)
	}
	if _, err := ResolveVariables("${nope}"); err == nil {
		t.Error("expected an error for an unknown variable")
	}
}
