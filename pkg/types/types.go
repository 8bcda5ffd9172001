// Package types defines the JSON shapes reported by the probe server to
// tooling clients.
//
// This package provides type definitions for:
//   - CoreInfo and ProbeStatus: run state of every core behind the probe
//   - SessionInfo: live debugger sessions
//   - MemoryDump and RegisterValue: inspection results
//   - ChipInfo and ChipSummary: target description listings
//
// These types are used by the MCP tools and by the command line so both
// print the same structure.
package types

// CoreState is the run state of a core as reported to clients.
type CoreState string

const (
	CoreStateRunning CoreState = "running"
	CoreStateHalted  CoreState = "halted"
	CoreStateUnknown CoreState = "unknown"
)

// CoreInfo describes one core.
type CoreInfo struct {
	Index int       `json:"index"`
	Name  string    `json:"name"`
	Type  string    `json:"type"`
	State CoreState `json:"state"`
	// HaltCause is set for halted cores.
	HaltCause string `json:"haltCause,omitempty"`
	// PC is set for halted cores.
	PC *uint64 `json:"pc,omitempty"`

	BreakpointsUsed  int `json:"breakpointsUsed"`
	BreakpointsTotal int `json:"breakpointsTotal"`
	WatchpointsUsed  int `json:"watchpointsUsed"`
	WatchpointsTotal int `json:"watchpointsTotal"`

	Error string `json:"error,omitempty"`
}

// ProbeStatus is the overall status of the probe.
type ProbeStatus struct {
	Probe    string     `json:"probe"`
	Chip     string     `json:"chip"`
	Version  string     `json:"version"`
	Sessions int        `json:"sessions"`
	Cores    []CoreInfo `json:"cores"`
}

// SessionInfo represents a live debugger session
type SessionInfo struct {
	SessionID  string `json:"sessionId"`
	Kind       string `json:"kind"`
	Remote     string `json:"remote,omitempty"`
	ActiveCore int    `json:"activeCore"`
	Started    string `json:"started"`
}

// MemoryDump is the result of a memory read.
type MemoryDump struct {
	Core    int    `json:"core"`
	Address string `json:"address"`
	Length  int    `json:"length"`
	Hex     string `json:"hex"`
	// Words holds the data as little endian 32-bit words when the length
	// is a multiple of four.
	Words []string `json:"words,omitempty"`
}

// RegisterValue is one register of a core.
type RegisterValue struct {
	Name  string `json:"name"`
	Num   int    `json:"num"`
	Bits  int    `json:"bits"`
	Value string `json:"value"`
}

// CoreRegisters is the register file of one core.
type CoreRegisters struct {
	Core      int             `json:"core"`
	Registers []RegisterValue `json:"registers"`
}

// MemoryRegion describes one entry of a chip's memory map.
type MemoryRegion struct {
	Kind  string   `json:"kind"`
	Name  string   `json:"name,omitempty"`
	Start string   `json:"start"`
	End   string   `json:"end"`
	Cores []string `json:"cores,omitempty"`
	Boot  bool     `json:"boot,omitempty"`
}

// ChipInfo is the full description of one chip variant.
type ChipInfo struct {
	Name            string         `json:"name"`
	Family          string         `json:"family"`
	Cores           []CoreInfo     `json:"cores"`
	MemoryMap       []MemoryRegion `json:"memoryMap"`
	FlashAlgorithms []string       `json:"flashAlgorithms,omitempty"`
}

// ChipSummary is one line of a chip listing.
type ChipSummary struct {
	Name   string `json:"name"`
	Family string `json:"family"`
	Source string `json:"source,omitempty"`
}
