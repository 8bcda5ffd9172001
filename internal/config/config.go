// Package config provides configuration management for the probe server.
//
// Configuration controls:
//   - Front ends: the GDB server (always on), the DAP server and the MCP surface
//   - Capability mode (readonly vs full): determines which MCP tools are available
//   - Probe selection: the simulator or an upstream RSP stub
//   - Target selection: chip name and target description search paths
//   - Run control timing: halt poll interval and halt timeout
//
// Configuration can be loaded from a JSON file or use sensible defaults;
// command line flags are applied on top by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
)

// CapabilityMode defines the level of control exposed to MCP clients
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Only inspection tools
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Probe kinds
const (
	ProbeSim    = "sim"
	ProbeRemote = "remote"
)

// MCP transports
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode             CapabilityMode `json:"mode"`
	AllowReset       bool           `json:"allowReset"`
	AllowMemoryWrite bool           `json:"allowMemoryWrite"`

	// Front ends
	GDB GDBConfig `json:"gdb"`
	DAP DAPConfig `json:"dap"`
	MCP MCPConfig `json:"mcp"`

	// Hardware
	Probe  ProbeConfig  `json:"probe"`
	Target TargetConfig `json:"target"`

	// Run control timing
	HaltPollInterval Duration `json:"haltPollInterval"`
	HaltTimeout      Duration `json:"haltTimeout"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// GDBConfig holds RSP server settings
type GDBConfig struct {
	Listen        string `json:"listen"`
	MaxSessions   int    `json:"maxSessions"`
	PacketSize    int    `json:"packetSize"`
	AllowNoAck    bool   `json:"allowNoAck"`
	HaltOnConnect bool   `json:"haltOnConnect"`
	ResetHalt     bool   `json:"resetHalt"` // Reset and halt instead of a plain halt on attach
}

// DAPConfig holds Debug Adapter Protocol server settings
type DAPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// MCPConfig holds MCP server settings
type MCPConfig struct {
	Enabled   bool   `json:"enabled"`
	Transport string `json:"transport"`
	Listen    string `json:"listen"` // Only used by the http transport
}

// ProbeConfig selects and tunes the debug probe
type ProbeConfig struct {
	Kind     string `json:"kind"`
	Remote   string `json:"remote"` // Address of the upstream RSP stub
	SpeedKHz int    `json:"speedKHz"`

	// StepsPerPoll is the simulated instruction rate of running sim cores
	StepsPerPoll int `json:"stepsPerPoll"`
}

// TargetConfig selects the chip and where its description comes from
type TargetConfig struct {
	Chip        string   `json:"chip"`
	SearchPaths []string `json:"searchPaths"`
	Watch       bool     `json:"watch"` // Reload descriptions when files change
}

// Duration is a time.Duration that reads "10ms"-style strings or
// nanosecond numbers from JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:             ModeFull,
		AllowReset:       true,
		AllowMemoryWrite: true,
		GDB: GDBConfig{
			Listen:        "localhost:1337",
			MaxSessions:   1,
			PacketSize:    0x4000,
			AllowNoAck:    true,
			HaltOnConnect: true,
		},
		DAP: DAPConfig{
			Listen: "localhost:50000",
		},
		MCP: MCPConfig{
			Transport: TransportStdio,
			Listen:    "localhost:8080",
		},
		Probe: ProbeConfig{
			Kind:         ProbeSim,
			SpeedKHz:     4000,
			StepsPerPoll: 1000,
		},
		Target: TargetConfig{
			Chip: "sim-m0",
		},
		HaltPollInterval: Duration(10 * time.Millisecond),
		HaltTimeout:      Duration(500 * time.Millisecond),
		LogLevel:         "info",
	}
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.ConfigInvalid(path, err.Error())
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ResolvePaths expands ${env:NAME}, ${userHome} and friends in the target
// description search paths.
func (c *Config) ResolvePaths() error {
	for i, p := range c.Target.SearchPaths {
		resolved, err := ResolveVariables(p)
		if err != nil {
			return errors.ConfigInvalid("target.searchPaths", err.Error())
		}
		c.Target.SearchPaths[i] = resolved
	}
	return nil
}

// Validate checks field values
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return errors.ConfigInvalid("mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}
	switch c.Probe.Kind {
	case ProbeSim:
	case ProbeRemote:
		if c.Probe.Remote == "" {
			return errors.ConfigInvalid("probe.remote", "the remote probe needs an address")
		}
	default:
		return errors.ConfigInvalid("probe.kind", fmt.Sprintf("unknown probe kind %q", c.Probe.Kind))
	}
	switch c.MCP.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return errors.ConfigInvalid("mcp.transport", fmt.Sprintf("unknown transport %q", c.MCP.Transport))
	}
	if c.GDB.MaxSessions < 1 {
		return errors.ConfigInvalid("gdb.maxSessions", "must be at least 1")
	}
	if c.GDB.PacketSize < 256 {
		return errors.ConfigInvalid("gdb.packetSize", "must be at least 256")
	}
	if c.HaltPollInterval <= 0 {
		return errors.ConfigInvalid("haltPollInterval", "must be positive")
	}
	if c.HaltTimeout <= 0 {
		return errors.ConfigInvalid("haltTimeout", "must be positive")
	}
	return nil
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanReset returns true if MCP clients may reset cores
func (c *Config) CanReset() bool {
	return c.Mode == ModeFull && c.AllowReset
}

// CanWriteMemory returns true if MCP and console clients may write memory
func (c *Config) CanWriteMemory() bool {
	return c.Mode == ModeFull && c.AllowMemoryWrite
}
