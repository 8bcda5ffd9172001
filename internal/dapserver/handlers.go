package dapserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/target"
)

// handle answers one client message.
func (s *Session) handle(ctx context.Context, msg dap.Message) error {
	switch m := msg.(type) {
	case *dap.InitializeRequest:
		return s.onInitialize(m)
	case *dap.LaunchRequest:
		return s.sendError(&m.Request, errors.Wrap(errors.CodeUnsupported,
			"launch is not supported", "Attach to the target instead.", nil))
	case *dap.AttachRequest:
		return s.onAttach(ctx, m)
	case *dap.ConfigurationDoneRequest:
		return s.onConfigurationDone(m)
	case *dap.ThreadsRequest:
		return s.onThreads(m)
	case *dap.SetBreakpointsRequest:
		return s.onSetBreakpoints(m)
	case *dap.SetExceptionBreakpointsRequest:
		return s.t.Send(&dap.SetExceptionBreakpointsResponse{Response: s.response(&m.Request)})
	case *dap.SetInstructionBreakpointsRequest:
		return s.onSetInstructionBreakpoints(ctx, m)
	case *dap.ContinueRequest:
		return s.onContinue(ctx, m)
	case *dap.PauseRequest:
		return s.onPause(ctx, m)
	case *dap.NextRequest:
		return s.step(ctx, &m.Request, m.Arguments.ThreadId, &dap.NextResponse{Response: s.response(&m.Request)})
	case *dap.StepInRequest:
		return s.step(ctx, &m.Request, m.Arguments.ThreadId, &dap.StepInResponse{Response: s.response(&m.Request)})
	case *dap.StackTraceRequest:
		return s.onStackTrace(ctx, m)
	case *dap.ScopesRequest:
		return s.onScopes(m)
	case *dap.VariablesRequest:
		return s.onVariables(ctx, m)
	case *dap.ReadMemoryRequest:
		return s.onReadMemory(ctx, m)
	case *dap.WriteMemoryRequest:
		return s.onWriteMemory(ctx, m)
	case *dap.EvaluateRequest:
		return s.onEvaluate(ctx, m)
	case *dap.DisconnectRequest:
		return s.onDisconnect(ctx, m)
	case dap.RequestMessage:
		req := m.GetRequest()
		return s.sendError(req, errors.Wrap(errors.CodeUnsupported,
			fmt.Sprintf("request %q is not supported", req.Command), "", nil))
	}
	s.log.Debug("ignoring DAP message %T", msg)
	return nil
}

func (s *Session) onInitialize(m *dap.InitializeRequest) error {
	s.log.Debug("client %s (%s)", m.Arguments.ClientName, m.Arguments.AdapterID)
	resp := &dap.InitializeResponse{
		Response: s.response(&m.Request),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsInstructionBreakpoints:   true,
			SupportsReadMemoryRequest:        true,
			SupportsWriteMemoryRequest:       true,
			SupportsSteppingGranularity:      true,
		},
	}
	if err := s.t.Send(resp); err != nil {
		return err
	}
	return s.t.Send(&dap.InitializedEvent{Event: s.event("initialized")})
}

func (s *Session) onAttach(ctx context.Context, m *dap.AttachRequest) error {
	var err error
	if s.opts.HaltOnAttach {
		for core := range s.dbg.Probe().CoreCount() {
			if _, herr := s.dbg.Run.Interrupt(ctx, core); herr != nil && err == nil {
				err = herr
			}
		}
	} else {
		err = s.dbg.Run.Reconcile(ctx)
	}
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	s.running = s.dbg.Run.Running()
	return s.t.Send(&dap.AttachResponse{Response: s.response(&m.Request)})
}

func (s *Session) onConfigurationDone(m *dap.ConfigurationDoneRequest) error {
	if err := s.t.Send(&dap.ConfigurationDoneResponse{Response: s.response(&m.Request)}); err != nil {
		return err
	}
	for core := range s.dbg.Probe().CoreCount() {
		if stop, ok := s.dbg.Run.LastStop(core); ok && s.dbg.Run.State(core) == debug.CoreHalted {
			return s.stopped(stop, "entry")
		}
	}
	return nil
}

func (s *Session) onThreads(m *dap.ThreadsRequest) error {
	chip := s.dbg.Probe().Chip()
	threads := make([]dap.Thread, 0, len(chip.Cores))
	for core, c := range chip.Cores {
		threads = append(threads, dap.Thread{Id: threadID(core), Name: fmt.Sprintf("core %d (%s)", core, c.Name)})
	}
	return s.t.Send(&dap.ThreadsResponse{
		Response: s.response(&m.Request),
		Body:     dap.ThreadsResponseBody{Threads: threads},
	})
}

// onSetBreakpoints refuses source breakpoints: there are no symbols to map
// lines to addresses.
func (s *Session) onSetBreakpoints(m *dap.SetBreakpointsRequest) error {
	bps := make([]dap.Breakpoint, len(m.Arguments.Breakpoints))
	for i := range bps {
		bps[i] = dap.Breakpoint{Verified: false, Message: "no symbol information, use instruction breakpoints"}
	}
	return s.t.Send(&dap.SetBreakpointsResponse{
		Response: s.response(&m.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: bps},
	})
}

// onSetInstructionBreakpoints replaces the instruction breakpoints of the
// active core with the requested set.
func (s *Session) onSetInstructionBreakpoints(ctx context.Context, m *dap.SetInstructionBreakpointsRequest) error {
	want := make(map[uint64]bool)
	addrs := make([]uint64, len(m.Arguments.Breakpoints))
	errs := make([]error, len(m.Arguments.Breakpoints))
	for i, bp := range m.Arguments.Breakpoints {
		addr, err := parseReference(bp.InstructionReference, bp.Offset)
		addrs[i], errs[i] = addr, err
		if err == nil {
			want[addr] = true
		}
	}

	for addr := range s.bpIDs {
		if want[addr] {
			continue
		}
		if err := s.dbg.RemoveBreakpoint(ctx, target.Software, addr); err != nil {
			return s.sendError(&m.Request, err)
		}
		delete(s.bpIDs, addr)
	}

	length := 4
	if s.dbg.RegisterMap().Thumb() {
		length = 2
	}
	out := make([]dap.Breakpoint, len(addrs))
	for i, addr := range addrs {
		out[i] = dap.Breakpoint{InstructionReference: fmt.Sprintf("0x%x", addr)}
		if errs[i] == nil {
			if _, ok := s.bpIDs[addr]; !ok {
				errs[i] = s.dbg.InsertBreakpoint(ctx, target.Software, addr, length)
			}
		}
		if errs[i] != nil {
			out[i].Message = errors.FromError(errs[i]).Message
			continue
		}
		id, ok := s.bpIDs[addr]
		if !ok {
			id = s.nextID
			s.nextID++
			s.bpIDs[addr] = id
		}
		out[i].Id = id
		out[i].Verified = true
	}
	return s.t.Send(&dap.SetInstructionBreakpointsResponse{
		Response: s.response(&m.Request),
		Body:     dap.SetInstructionBreakpointsResponseBody{Breakpoints: out},
	})
}

func (s *Session) onContinue(ctx context.Context, m *dap.ContinueRequest) error {
	core, err := s.coreOf(m.Arguments.ThreadId)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	var stop *debug.Stop
	if s.dbg.Run.State(core) != debug.CoreRunning {
		stop, err = s.dbg.Run.Continue(ctx, core, nil)
		if err != nil {
			return s.sendError(&m.Request, err)
		}
	}
	if err := s.t.Send(&dap.ContinueResponse{Response: s.response(&m.Request)}); err != nil {
		return err
	}
	if stop != nil {
		return s.stopped(*stop, "")
	}
	s.forget(core)
	s.running = append(s.running, core)
	return nil
}

func (s *Session) onPause(ctx context.Context, m *dap.PauseRequest) error {
	core, err := s.coreOf(m.Arguments.ThreadId)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	wasRunning := s.dbg.Run.State(core) == debug.CoreRunning
	stop, err := s.dbg.Run.Interrupt(ctx, core)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	s.forget(core)
	if err := s.t.Send(&dap.PauseResponse{Response: s.response(&m.Request)}); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	return s.stopped(stop, "pause")
}

// step executes one instruction whatever granularity the client asked for.
func (s *Session) step(ctx context.Context, req *dap.Request, thread int, resp dap.ResponseMessage) error {
	core, err := s.coreOf(thread)
	if err != nil {
		return s.sendError(req, err)
	}
	stop, err := s.dbg.Run.Step(ctx, core, nil)
	if err != nil {
		return s.sendError(req, err)
	}
	if err := s.t.Send(resp); err != nil {
		return err
	}
	return s.stopped(stop, "")
}

func (s *Session) onStackTrace(ctx context.Context, m *dap.StackTraceRequest) error {
	core, err := s.focus(m.Arguments.ThreadId)
	if err == nil {
		err = s.dbg.Run.RequireHalted(core, "stack trace")
	}
	var pc uint64
	if err == nil {
		pc, err = s.dbg.ReadRegister(ctx, s.dbg.RegisterMap().PC())
	}
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	frame := dap.StackFrame{
		Id:                          threadID(core),
		Name:                        fmt.Sprintf("%#08x", pc),
		InstructionPointerReference: fmt.Sprintf("0x%x", pc),
	}
	return s.t.Send(&dap.StackTraceResponse{
		Response: s.response(&m.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{frame}, TotalFrames: 1},
	})
}

// onScopes lists the register scope of a frame. Frame and variables
// references are both the thread id of the core.
func (s *Session) onScopes(m *dap.ScopesRequest) error {
	core, err := s.coreOf(m.Arguments.FrameId)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	scope := dap.Scope{
		Name:               "Registers",
		PresentationHint:   "registers",
		VariablesReference: threadID(core),
		NamedVariables:     len(s.dbg.Probe().RegisterMap(core).Regs()),
	}
	return s.t.Send(&dap.ScopesResponse{
		Response: s.response(&m.Request),
		Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{scope}},
	})
}

func (s *Session) onVariables(ctx context.Context, m *dap.VariablesRequest) error {
	_, err := s.focus(m.Arguments.VariablesReference)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	vals, err := s.dbg.ReadRegisters(ctx)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	list := s.dbg.RegisterMap().Regs()
	vars := make([]dap.Variable, 0, len(list))
	for i, r := range list {
		vars = append(vars, dap.Variable{
			Name:  r.Name,
			Value: fmt.Sprintf("%#0*x", r.Size()*2+2, vals[i]),
			Type:  r.Type,
		})
	}
	return s.t.Send(&dap.VariablesResponse{
		Response: s.response(&m.Request),
		Body:     dap.VariablesResponseBody{Variables: vars},
	})
}

// onReadMemory reads from the active core. Unmapped memory is reported as
// unreadable rather than failing the request.
func (s *Session) onReadMemory(ctx context.Context, m *dap.ReadMemoryRequest) error {
	addr, err := parseReference(m.Arguments.MemoryReference, m.Arguments.Offset)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	body := dap.ReadMemoryResponseBody{Address: fmt.Sprintf("0x%x", addr)}
	if m.Arguments.Count > 0 {
		data, err := s.dbg.ReadMemory(ctx, addr, m.Arguments.Count)
		switch {
		case err == nil:
			body.Data = base64.StdEncoding.EncodeToString(data)
		case errors.FromError(err).Code == errors.CodeOutOfRange:
			body.UnreadableBytes = m.Arguments.Count
		default:
			return s.sendError(&m.Request, err)
		}
	}
	return s.t.Send(&dap.ReadMemoryResponse{Response: s.response(&m.Request), Body: body})
}

func (s *Session) onWriteMemory(ctx context.Context, m *dap.WriteMemoryRequest) error {
	addr, err := parseReference(m.Arguments.MemoryReference, m.Arguments.Offset)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	data, err := base64.StdEncoding.DecodeString(m.Arguments.Data)
	if err != nil {
		return s.sendError(&m.Request, errors.InvalidParameter("data", m.Arguments.Data, "base64"))
	}
	if err := s.dbg.WriteMemory(ctx, addr, data); err != nil {
		return s.sendError(&m.Request, err)
	}
	return s.t.Send(&dap.WriteMemoryResponse{
		Response: s.response(&m.Request),
		Body:     dap.WriteMemoryResponseBody{BytesWritten: len(data)},
	})
}

// onEvaluate passes REPL input to the probe as a monitor command.
func (s *Session) onEvaluate(ctx context.Context, m *dap.EvaluateRequest) error {
	if m.Arguments.Context != "repl" {
		return s.sendError(&m.Request, errors.Wrap(errors.CodeUnsupported,
			"expressions are not supported", "Use the debug console for monitor commands.", nil))
	}
	out, err := s.dbg.Monitor(ctx, m.Arguments.Expression)
	if err != nil {
		return s.sendError(&m.Request, err)
	}
	return s.t.Send(&dap.EvaluateResponse{
		Response: s.response(&m.Request),
		Body:     dap.EvaluateResponseBody{Result: strings.TrimRight(out, "\n")},
	})
}

// onDisconnect removes the client's breakpoints and lets the cores run.
func (s *Session) onDisconnect(ctx context.Context, m *dap.DisconnectRequest) error {
	if err := s.dbg.Detach(ctx); err != nil {
		s.log.Warn("detach failed: %v", err)
	}
	s.bpIDs = map[uint64]int{}
	s.running = nil
	s.done = true
	if err := s.t.Send(&dap.DisconnectResponse{Response: s.response(&m.Request)}); err != nil {
		return err
	}
	return s.t.Send(&dap.TerminatedEvent{Event: s.event("terminated")})
}

// parseReference decodes a memory or instruction reference ("0x..." or
// decimal) and applies offset.
func parseReference(ref string, offset int) (uint64, error) {
	v, err := strconv.ParseUint(ref, 0, 64)
	if err != nil {
		return 0, errors.InvalidParameter("reference", ref, "an address such as 0x20000000")
	}
	return uint64(int64(v) + int64(offset)), nil
}
