package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// maxReadLength bounds probe_read_memory.
const maxReadLength = 4096

// registerTools registers the probe tool set
func (s *Server) registerTools() {
	// Inspection (both modes)
	s.registerProbeStatus()
	s.registerProbeListSessions()
	s.registerProbeReadMemory()
	s.registerProbeCoreRegisters()
	s.registerProbeListChips()

	// Control (full mode only)
	if s.config.CanReset() {
		s.registerProbeReset()
	}
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

func (s *Server) registerProbeStatus() {
	tool := mcp.NewTool("probe_status",
		mcp.WithDescription("Get the probe status: chip, number of debugger sessions and for every core its run state, halt cause, program counter and hardware comparator usage."),
	)
	s.addTool(tool, s.handleProbeStatus)
}

func (s *Server) registerProbeListSessions() {
	tool := mcp.NewTool("probe_list_sessions",
		mcp.WithDescription("List the debugger sessions (GDB, DAP, console) attached to the probe"),
	)
	s.addTool(tool, s.handleProbeListSessions)
}

func (s *Server) registerProbeReadMemory() {
	tool := mcp.NewTool("probe_read_memory",
		mcp.WithDescription("Read target memory through a halted core. Fails if the core is running or the range is outside the chip's memory map."),
		mcp.WithString("address",
			mcp.Required(),
			mcp.Description("Start address, hex with 0x prefix or decimal"),
		),
		mcp.WithNumber("length",
			mcp.Description("Number of bytes to read (default: 64, max: 4096)"),
		),
		mcp.WithNumber("core",
			mcp.Description("Core index (default: 0)"),
		),
	)
	s.addTool(tool, s.handleProbeReadMemory)
}

func (s *Server) registerProbeCoreRegisters() {
	tool := mcp.NewTool("probe_core_registers",
		mcp.WithDescription("Read the general purpose registers of a halted core"),
		mcp.WithNumber("core",
			mcp.Description("Core index (default: 0)"),
		),
	)
	s.addTool(tool, s.handleProbeCoreRegisters)
}

func (s *Server) registerProbeListChips() {
	tool := mcp.NewTool("probe_list_chips",
		mcp.WithDescription("List the chips known to the target description registry. With chip set, describe that chip's cores and memory map instead."),
		mcp.WithString("chip",
			mcp.Description("Chip name or unique prefix to describe"),
		),
	)
	s.addTool(tool, s.handleProbeListChips)
}

func (s *Server) registerProbeReset() {
	tool := mcp.NewTool("probe_reset",
		mcp.WithDescription("Reset a core. Debugger sessions see the core halt or run afterwards; breakpoints they placed stay in place."),
		mcp.WithNumber("core",
			mcp.Description("Core index (default: 0)"),
		),
		mcp.WithBoolean("halt",
			mcp.Description("Halt the core at the reset vector (default: true)"),
		),
	)
	s.addTool(tool, s.handleProbeReset)
}
