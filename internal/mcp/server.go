// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes the probe to AI assistants and other MCP clients. It
// provides a small tool set:
//
// Inspection (always available):
//   - probe_status: Run state of every core and comparator usage
//   - probe_list_sessions: Live debugger sessions
//   - probe_read_memory: Read memory of a halted core
//   - probe_core_registers: Read the register file of a halted core
//   - probe_list_chips: Known chips, or the description of one chip
//
// Control (full mode only):
//   - probe_reset: Reset a core, optionally halting it
//
// The tools never keep a debugger session of their own. Every hardware
// access goes through the process-wide target.Shared handle, so they
// interleave safely with GDB and DAP clients.
package mcp

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/markus-k/probe-rs/internal/config"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/targetdesc"
	"github.com/markus-k/probe-rs/internal/version"
)

// Server wraps the MCP server with probe inspection tools
type Server struct {
	mcpServer *server.MCPServer
	probe     *debug.Probe
	registry  *targetdesc.Registry
	guard     *debug.MemoryGuard
	config    *config.Config

	// tools lists the registered tool names in registration order.
	tools []string
}

// NewServer creates a new MCP server for probe
func NewServer(cfg *config.Config, probe *debug.Probe, registry *targetdesc.Registry) *Server {
	mcpServer := server.NewMCPServer(
		"probe-gdb",
		version.GetVersion(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		probe:     probe,
		registry:  registry,
		guard:     debug.NewMemoryGuard(probe.Chip()),
		config:    cfg,
	}

	s.registerTools()

	return s
}

// ServeStdio serves the stdio transport until stdin closes or ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.Warn("MCP server shutdown: %v", err)
		}
	}()

	log.Info("MCP server listening on %s", addr)
	if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Tools returns the names of the registered tools.
func (s *Server) Tools() []string {
	return s.tools
}

// MCPServer returns the underlying server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
