package dapserver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/go-dap"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
)

// Session is one DAP client. All state is owned by the goroutine running
// serve; a reader goroutine only forwards decoded messages.
type Session struct {
	t    *Transport
	dbg  *debug.Session
	opts Options
	log  *log.Logger

	// running lists the cores resumed by this client and not yet stopped.
	running []int

	// bpIDs maps instruction breakpoint addresses to their DAP ids.
	bpIDs  map[uint64]int
	nextID int

	done bool
}

func newSession(t *Transport, dbg *debug.Session, opts Options) *Session {
	return &Session{
		t:      t,
		dbg:    dbg,
		opts:   opts,
		log:    dbg.Log(),
		bpIDs:  make(map[uint64]int),
		nextID: 1,
	}
}

func (s *Session) serve(ctx context.Context) error {
	s.log.Info("DAP client connected from %s", s.dbg.Remote)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.dbg.Close(cctx)
		s.log.Info("DAP client disconnected")
	}()

	msgs := make(chan dap.Message)
	quit := make(chan struct{})
	defer close(quit)
	var readErr error
	go func() {
		defer close(msgs)
		for {
			msg, err := s.t.Receive()
			if err != nil {
				readErr = err
				return
			}
			select {
			case msgs <- msg:
			case <-quit:
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for !s.done {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if readErr == io.EOF {
					return nil
				}
				return readErr
			}
			if err := s.handle(ctx, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// poll checks the cores this client resumed and reports the first stop.
func (s *Session) poll(ctx context.Context) error {
	if len(s.running) == 0 {
		return nil
	}
	stop, err := s.dbg.Run.Poll(ctx, s.running)
	if err != nil {
		s.log.Error("polling cores failed: %v", err)
		s.running = nil
		return s.output(fmt.Sprintf("polling cores failed: %v\n", err))
	}
	if stop == nil {
		return nil
	}
	s.running = s.dbg.Run.Running()
	return s.stopped(*stop, "")
}

func (s *Session) forget(core int) {
	out := s.running[:0]
	for _, c := range s.running {
		if c != core {
			out = append(out, c)
		}
	}
	s.running = out
}

func (s *Session) response(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.t.NextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *Session) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.t.NextSeq(), Type: "event"},
		Event:           name,
	}
}

// sendError answers req with err. The error id is the RSP error number of
// the failure so both front ends report the same code.
func (s *Session) sendError(req *dap.Request, err error) error {
	de := errors.FromError(err)
	s.log.Debug("%s failed: %v", req.Command, err)
	resp := &dap.ErrorResponse{
		Response: s.response(req),
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       int(de.RSPCode()),
				Format:   de.Error(),
				ShowUser: true,
			},
		},
	}
	resp.Success = false
	resp.Message = de.Message
	return s.t.Send(resp)
}

func (s *Session) output(text string) error {
	return s.t.Send(&dap.OutputEvent{
		Event: s.event("output"),
		Body:  dap.OutputEventBody{Category: "console", Output: text},
	})
}

// stopped sends the stopped event for stop. reason overrides the reason
// derived from the halt.
func (s *Session) stopped(stop debug.Stop, reason string) error {
	body := dap.StoppedEventBody{
		ThreadId:          threadID(stop.Core),
		Description:       stop.Reason.String(),
		AllThreadsStopped: len(s.dbg.Run.Running()) == 0,
	}
	r := stop.Reason
	switch {
	case reason != "":
		body.Reason = reason
	case r.Kind == debug.ReasonBreakpoint && r.Known:
		body.Reason = "instruction breakpoint"
		if id, ok := s.bpIDs[stop.PC]; ok {
			body.HitBreakpointIds = []int{id}
		}
	case r.Kind == debug.ReasonBreakpoint:
		body.Reason = "breakpoint"
	case r.Kind == debug.ReasonWatchpoint:
		body.Reason = "data breakpoint"
	case r.Kind == debug.ReasonStep:
		body.Reason = "step"
	case r.Kind == debug.ReasonSignal:
		body.Reason = "exception"
		body.Text = fmt.Sprintf("signal %d", r.Signal())
	default:
		body.Reason = "pause"
	}
	s.log.Debug("core %d stopped at %#x: %s", stop.Core, stop.PC, body.Reason)
	return s.t.Send(&dap.StoppedEvent{Event: s.event("stopped"), Body: body})
}

// threadID maps a core to its DAP thread id. Ids start at 1.
func threadID(core int) int {
	return core + 1
}

// coreOf validates a thread id and returns its core.
func (s *Session) coreOf(thread int) (int, error) {
	core := thread - 1
	if core < 0 || core >= s.dbg.Probe().CoreCount() {
		return 0, errors.NoSuchCore(core, s.dbg.Probe().CoreCount())
	}
	return core, nil
}

// focus makes the core of thread the active one.
func (s *Session) focus(thread int) (int, error) {
	core, err := s.coreOf(thread)
	if err != nil {
		return 0, err
	}
	return core, s.dbg.SelectCore(core)
}
