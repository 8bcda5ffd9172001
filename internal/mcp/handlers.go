package mcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/version"
	"github.com/markus-k/probe-rs/pkg/types"
)

// Inspection Handlers

func (s *Server) handleProbeStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	shared := s.probe.Shared()
	chip := s.probe.Chip()

	status := types.ProbeStatus{
		Probe:    shared.Name(),
		Chip:     chip.Name,
		Version:  version.GetVersion(),
		Sessions: s.probe.SessionCount(),
	}
	for core := range s.probe.CoreCount() {
		info := types.CoreInfo{
			Index: core,
			Name:  chip.Cores[core].Name,
			Type:  string(chip.Cores[core].Type),
			State: types.CoreStateUnknown,
		}
		info.BreakpointsUsed, info.BreakpointsTotal, info.WatchpointsUsed, info.WatchpointsTotal = s.probe.UsedComparators(core)

		err := shared.Do(ctx, core, func(t target.Target) error {
			st, err := t.Status(ctx)
			if err != nil {
				return err
			}
			if !st.Halted() {
				info.State = types.CoreStateRunning
				return nil
			}
			info.State = types.CoreStateHalted
			info.HaltCause = st.Cause.Kind.String()
			pc, err := t.ReadRegister(ctx, s.probe.RegisterMap(core).PC().ID)
			if err != nil {
				return err
			}
			info.PC = &pc
			return nil
		})
		if err != nil {
			info.Error = errors.FromError(err).Error()
		}
		status.Cores = append(status.Cores, info)
	}
	return jsonResult(status)
}

func (s *Server) handleProbeListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.probe.Sessions()

	result := make([]types.SessionInfo, len(sessions))
	for i, session := range sessions {
		result[i] = types.SessionInfo{
			SessionID:  session.ID,
			Kind:       session.Kind,
			Remote:     session.Remote,
			ActiveCore: session.ActiveCore,
			Started:    session.Started.Format(time.RFC3339),
		}
	}

	return jsonResult(map[string]interface{}{
		"sessions": result,
	})
}

func (s *Server) handleProbeReadMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addrStr, err := request.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("address",
			"Specify the start address, e.g. 0x20000000.").Error()), nil
	}
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return mcp.NewToolResultError(errors.InvalidParameter("address", addrStr, "a hex (0x...) or decimal address").Error()), nil
	}
	length := request.GetInt("length", 64)
	if length <= 0 || length > maxReadLength {
		return mcp.NewToolResultError(errors.InvalidParameter("length", length,
			fmt.Sprintf("a length between 1 and %d", maxReadLength)).Error()), nil
	}
	core, err := s.coreArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.guard.Check(core, addr, length); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var data []byte
	err = s.probe.Shared().Do(ctx, core, func(t target.Target) error {
		if err := requireHalted(ctx, t, core, "memory read"); err != nil {
			return err
		}
		var err error
		data, err = t.ReadMemory(ctx, addr, length)
		return err
	})
	if err != nil {
		return mcp.NewToolResultError(errors.FromError(err).Error()), nil
	}

	dump := types.MemoryDump{
		Core:    core,
		Address: fmt.Sprintf("%#x", addr),
		Length:  len(data),
		Hex:     hex.EncodeToString(data),
	}
	if len(data)%4 == 0 {
		for i := 0; i < len(data); i += 4 {
			dump.Words = append(dump.Words, fmt.Sprintf("%#010x", binary.LittleEndian.Uint32(data[i:])))
		}
	}
	return jsonResult(dump)
}

func (s *Server) handleProbeCoreRegisters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	core, err := s.coreArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rmap := s.probe.RegisterMap(core)

	result := types.CoreRegisters{Core: core}
	err = s.probe.Shared().Do(ctx, core, func(t target.Target) error {
		if err := requireHalted(ctx, t, core, "register read"); err != nil {
			return err
		}
		for _, r := range rmap.Regs() {
			v, err := t.ReadRegister(ctx, r.ID)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", r.Name, err)
			}
			result.Registers = append(result.Registers, types.RegisterValue{
				Name:  r.Name,
				Num:   r.Num,
				Bits:  r.Bits,
				Value: fmt.Sprintf("%#0*x", r.Bits/4+2, v),
			})
		}
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(errors.FromError(err).Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleProbeListChips(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if name := request.GetString("chip", ""); name != "" {
		chip, err := s.registry.Lookup(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(chip.Info())
	}
	return jsonResult(map[string]interface{}{
		"chips": s.registry.Summaries(),
	})
}

// Control Handlers

func (s *Server) handleProbeReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanReset() {
		return mcp.NewToolResultError(errors.PermissionDenied("reset", string(s.config.Mode)).Error()), nil
	}
	core, err := s.coreArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	halt := request.GetBool("halt", true)

	err = s.probe.Shared().Do(ctx, core, func(t target.Target) error {
		r, ok := t.(target.Resetter)
		if !ok {
			return errors.Wrap(errors.CodeUnsupported, "the probe cannot reset cores", "Power cycle the target instead.", nil)
		}
		if halt {
			return r.ResetAndHalt(ctx)
		}
		return r.Reset(ctx)
	})
	if err != nil {
		return mcp.NewToolResultError(errors.FromError(err).Error()), nil
	}

	state := types.CoreStateRunning
	if halt {
		state = types.CoreStateHalted
	}
	return jsonResult(map[string]interface{}{
		"core":  core,
		"state": state,
	})
}

// Helper functions

// coreArg reads and validates the optional core argument.
func (s *Server) coreArg(request mcp.CallToolRequest) (int, error) {
	core := request.GetInt("core", 0)
	if core < 0 || core >= s.probe.CoreCount() {
		return 0, errors.NoSuchCore(core, s.probe.CoreCount())
	}
	return core, nil
}

// requireHalted refuses to touch a running core.
func requireHalted(ctx context.Context, t target.Target, core int, op string) error {
	st, err := t.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Halted() {
		return errors.NotHalted(core, op)
	}
	return nil
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
