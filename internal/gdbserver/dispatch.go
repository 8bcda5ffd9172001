package gdbserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/markus-k/probe-rs/internal/command"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/rsp"
)

// Reply is the outcome of one command.
type Reply struct {
	// Payload is sent as the reply packet. Nil sends the empty packet
	// meaning "not supported".
	Payload []byte
	// Wait lists cores that were resumed; the stop reply is sent once one
	// of them halts.
	Wait []int
	// Silent suppresses the reply packet.
	Silent bool
	// NoAck switches acknowledgements off from this reply on.
	NoAck bool
	// Close ends the session after the reply.
	Close bool
}

var (
	replyOK    = Reply{Payload: []byte("OK")}
	replyEmpty = Reply{}
)

func text(s string) Reply {
	return Reply{Payload: []byte(s)}
}

// Dispatch executes cmd against the debug session.
func (s *Session) Dispatch(ctx context.Context, cmd command.Command) Reply {
	switch c := cmd.(type) {
	case command.HaltReasonQuery:
		return s.haltReason()

	case command.ReadRegisters:
		return s.readRegisters(ctx)
	case command.WriteRegisters:
		return s.writeRegisters(ctx, c.Data)
	case command.ReadRegister:
		return s.readRegister(ctx, c.Num)
	case command.WriteRegister:
		return s.writeRegister(ctx, c.Num, c.Value)

	case command.ReadMemory:
		n := min(c.Len, s.maxMemoryRead())
		data, err := s.dbg.ReadMemory(ctx, c.Addr, n)
		if err != nil {
			return s.errorReply(err)
		}
		return text(rsp.HexEncode(data))
	case command.WriteMemory:
		if err := s.dbg.WriteMemory(ctx, c.Addr, c.Data); err != nil {
			return s.errorReply(err)
		}
		return replyOK

	case command.InsertBreakpoint:
		if err := s.dbg.InsertBreakpoint(ctx, c.Kind, c.Addr, c.Len); err != nil {
			return s.errorReply(err)
		}
		return replyOK
	case command.RemoveBreakpoint:
		if err := s.dbg.RemoveBreakpoint(ctx, c.Kind, c.Addr); err != nil {
			return s.errorReply(err)
		}
		return replyOK

	case command.Continue:
		return s.resume(ctx, []int{s.resumeCore()}, c.Addr)
	case command.Step:
		return s.step(ctx, s.resumeCore(), c.Addr)
	case command.VCont:
		return s.vCont(ctx, c.Actions)
	case command.VContQuery:
		return text("vCont;c;C;s;S;t;r")

	case command.SetThread:
		return s.setThread(c)
	case command.ThreadAlive:
		if _, ok := s.coreOf(c.Thread); !ok {
			return Reply{Payload: rsp.ErrorReply(errors.NoSuchCore(c.Thread.Tid-1, s.coreCount()).RSPCode())}
		}
		return replyOK

	case command.Query:
		return s.query(ctx, c)
	case command.SetQuery:
		return s.setQuery(c)

	case command.FlashErase:
		if err := s.dbg.FlashErase(c.Addr, int(c.Len)); err != nil {
			return s.errorReply(err)
		}
		return replyOK
	case command.FlashWrite:
		if err := s.dbg.FlashWrite(c.Addr, c.Data); err != nil {
			return s.errorReply(err)
		}
		return replyOK
	case command.FlashDone:
		if err := s.dbg.FlashDone(ctx); err != nil {
			return s.errorReply(err)
		}
		return replyOK

	case command.Monitor:
		return s.monitor(ctx, c.Cmd)

	case command.Detach:
		if err := s.dbg.Detach(ctx); err != nil {
			s.log.Warn("detach: %v", err)
		}
		return Reply{Payload: []byte("OK"), Close: true}
	case command.Kill:
		// Targets do not exit; the session ends and cores keep their state.
		return Reply{Silent: true, Close: true}
	case command.Interrupt:
		// Cores left running by a reset or found running on attach.
		running := s.dbg.Run.Running()
		if len(running) == 0 {
			s.log.Debug("ignoring interrupt while halted")
			return Reply{Silent: true}
		}
		return s.interrupt(ctx, running)

	case command.Malformed:
		s.log.Warn("malformed packet %q: %v", truncate(c.Raw, 64), c.Err)
		return Reply{Payload: rsp.ErrorReply(errors.Malformed(c.Raw, c.Err).RSPCode())}
	case command.Unknown:
		s.log.Debug("unsupported packet %q", truncate(c.Raw, 64))
		return replyEmpty
	}
	return replyEmpty
}

// errorReply turns err into an "Exx" reply. Unsupported operations get the
// empty reply instead.
func (s *Session) errorReply(err error) Reply {
	de := errors.FromError(err)
	if de.Code == errors.CodeUnsupported {
		return replyEmpty
	}
	if de.Code == errors.CodeHardware || de.Code == errors.CodeFlashFailed {
		s.log.Error("%v", de)
	} else {
		s.log.Debug("%v", de)
	}
	return Reply{Payload: rsp.ErrorReply(de.RSPCode())}
}

// maxMemoryRead bounds m replies so the hex payload fits a packet.
func (s *Session) maxMemoryRead() int {
	return (s.opts.PacketSize - 4) / 2
}

func (s *Session) coreCount() int {
	return s.dbg.Probe().CoreCount()
}

// threadID returns the RSP thread of core. Thread ids start at 1.
func (s *Session) threadID(core int) string {
	if s.feat.multiprocess {
		return fmt.Sprintf("p1.%x", core+1)
	}
	return fmt.Sprintf("%x", core+1)
}

// coreOf maps a concrete thread id to a core.
func (s *Session) coreOf(t command.ThreadID) (int, bool) {
	if t.Pid > 1 || t.Tid <= 0 || t.Tid > s.coreCount() {
		return 0, false
	}
	return t.Tid - 1, true
}

// haltReason answers "?". A running active core is waited for like after
// "c", so the reply reflects the real state.
func (s *Session) haltReason() Reply {
	core := s.dbg.ActiveCore()
	if s.dbg.Run.State(core) == debug.CoreRunning {
		return Reply{Wait: s.dbg.Run.Running()}
	}
	if stop, ok := s.dbg.Run.LastStop(core); ok {
		return s.stopReply(stop)
	}
	// Unknown cause: the debugger still needs a stop reply to proceed.
	return s.stopReply(debug.Stop{Core: core, Reason: debug.HaltReason{Kind: debug.ReasonSignal, Code: debug.SIGTRAP}})
}

func (s *Session) readRegisters(ctx context.Context) Reply {
	vals, err := s.dbg.ReadRegisters(ctx)
	if err != nil {
		return s.errorReply(err)
	}
	m := s.dbg.RegisterMap()
	var sb strings.Builder
	for i, r := range m.Regs() {
		sb.WriteString(m.EncodeValue(r, vals[i]))
	}
	return text(sb.String())
}

func (s *Session) writeRegisters(ctx context.Context, data []byte) Reply {
	m := s.dbg.RegisterMap()
	list := m.Regs()
	values := make([]uint64, 0, len(list))
	off := 0
	for _, r := range list {
		n := r.Size()
		if off+n > len(data) {
			// A short G packet updates the leading registers only.
			list = list[:len(values)]
			break
		}
		values = append(values, decodeLE(data[off:off+n]))
		off += n
	}
	if err := s.dbg.WriteRegisters(ctx, list, values); err != nil {
		return s.errorReply(err)
	}
	return replyOK
}

func (s *Session) readRegister(ctx context.Context, num int) Reply {
	m := s.dbg.RegisterMap()
	r, ok := m.Lookup(num)
	if !ok {
		return text(m.PC().Unavailable())
	}
	v, err := s.dbg.ReadRegister(ctx, r)
	if err != nil {
		if errors.FromError(err).Code == errors.CodeHardware {
			return text(r.Unavailable())
		}
		return s.errorReply(err)
	}
	return text(m.EncodeValue(r, v))
}

func (s *Session) writeRegister(ctx context.Context, num int, value []byte) Reply {
	r, ok := s.dbg.RegisterMap().Lookup(num)
	if !ok {
		return Reply{Payload: rsp.ErrorReply(errors.InvalidParameter("register", num, "a register number of the target description").RSPCode())}
	}
	if len(value) != r.Size() {
		return Reply{Payload: rsp.ErrorReply(errors.InvalidParameter("value", len(value), fmt.Sprintf("%d bytes", r.Size())).RSPCode())}
	}
	if err := s.dbg.WriteRegister(ctx, r, decodeLE(value)); err != nil {
		return s.errorReply(err)
	}
	return replyOK
}

func (s *Session) setThread(c command.SetThread) Reply {
	if c.Thread.Tid == command.ThreadAll || c.Thread.Tid == command.ThreadAny {
		if c.Op == 'c' {
			s.contCore = -1
		}
		return replyOK
	}
	core, ok := s.coreOf(c.Thread)
	if !ok {
		return Reply{Payload: rsp.ErrorReply(errors.NoSuchCore(c.Thread.Tid-1, s.coreCount()).RSPCode())}
	}
	if c.Op == 'c' {
		s.contCore = core
		return replyOK
	}
	if err := s.dbg.SelectCore(core); err != nil {
		return s.errorReply(err)
	}
	return replyOK
}

// resume continues cores and waits for a stop. A core that stops while
// stepping off a breakpoint is reported without resuming the rest.
func (s *Session) resume(ctx context.Context, cores []int, addr *uint64) Reply {
	var started []int
	for i, core := range cores {
		var at *uint64
		if i == 0 {
			at = addr
		}
		stop, err := s.dbg.Run.Continue(ctx, core, at)
		if err != nil {
			s.haltAll(ctx, started)
			return s.errorReply(err)
		}
		if stop != nil {
			s.haltAll(ctx, started)
			return s.stopReply(*stop)
		}
		started = append(started, core)
	}
	return Reply{Wait: started}
}

func (s *Session) haltAll(ctx context.Context, cores []int) {
	for _, core := range cores {
		if _, err := s.dbg.Run.Interrupt(ctx, core); err != nil {
			s.log.Warn("halting core %d failed: %v", core, err)
		}
	}
}

func (s *Session) step(ctx context.Context, core int, addr *uint64) Reply {
	stop, err := s.dbg.Run.Step(ctx, core, addr)
	if err != nil {
		return s.errorReply(err)
	}
	return s.stopReply(stop)
}

// rangeStep steps core while the PC stays inside [start, end) and nothing
// but the step itself stopped it. An interrupt ends the loop early.
func (s *Session) rangeStep(ctx context.Context, core int, start, end uint64) Reply {
	for {
		stop, err := s.dbg.Run.Step(ctx, core, nil)
		if err != nil {
			return s.errorReply(err)
		}
		if stop.Reason.Kind != debug.ReasonStep || stop.PC < start || stop.PC >= end {
			return s.stopReply(stop)
		}
		if s.interrupted() {
			stop.Reason = debug.HaltReason{Kind: debug.ReasonExternal}
			return s.stopReply(stop)
		}
		if ctx.Err() != nil {
			return Reply{Silent: true, Close: true}
		}
	}
}

// interrupted drains the events that are already available, queueing
// packets, and reports whether an interrupt was among them.
func (s *Session) interrupted() bool {
	for {
		select {
		case ev, ok := <-s.conn.Events():
			if !ok {
				return false
			}
			switch ev.Kind {
			case rsp.EventInterrupt:
				return true
			case rsp.EventPacket:
				s.pending = append(s.pending, ev)
			}
		default:
			return false
		}
	}
}

// vCont applies the leftmost matching action to each core. A step action
// runs on its own; the other cores stay halted. Without multiprocess only
// the active core is considered.
func (s *Session) vCont(ctx context.Context, actions []command.VContAction) Reply {
	cores := []int{s.dbg.ActiveCore()}
	if s.feat.multiprocess {
		cores = cores[:0]
		for core := range s.coreCount() {
			cores = append(cores, core)
		}
	}

	var resume []int
	for _, core := range cores {
		a, ok := s.actionFor(actions, core)
		if !ok {
			continue
		}
		switch a.Op {
		case 's', 'S':
			if err := s.dbg.SelectCore(core); err != nil {
				return s.errorReply(err)
			}
			return s.step(ctx, core, nil)
		case 'r':
			if err := s.dbg.SelectCore(core); err != nil {
				return s.errorReply(err)
			}
			return s.rangeStep(ctx, core, a.Start, a.End)
		case 'c', 'C':
			resume = append(resume, core)
		}
	}
	if len(resume) == 0 {
		return Reply{Payload: rsp.ErrorReply(errors.InvalidParameter("vCont", "no action", "an action for a halted core").RSPCode())}
	}
	return s.resume(ctx, resume, nil)
}

func (s *Session) actionFor(actions []command.VContAction, core int) (command.VContAction, bool) {
	for _, a := range actions {
		if a.Thread == nil || a.Thread.Tid == command.ThreadAll {
			return a, true
		}
		if c, ok := s.coreOf(*a.Thread); ok && c == core {
			return a, true
		}
	}
	return command.VContAction{}, false
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
