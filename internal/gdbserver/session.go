package gdbserver

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/markus-k/probe-rs/internal/command"
	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/rsp"
)

// features holds what the debugger announced in qSupported.
type features struct {
	multiprocess   bool
	swbreak        bool
	hwbreak        bool
	vContSupported bool
}

// Session is one debugger connection. All of its state is owned by the
// goroutine running serve.
type Session struct {
	conn *rsp.Conn
	dbg  *debug.Session
	opts Options
	log  *log.Logger

	feat features

	// contCore is the core "c" and "s" address, set by Hc. -1 follows the
	// active core.
	contCore int

	// pending holds packets that arrived while a core was running.
	pending []rsp.Event
}

func newSession(conn *rsp.Conn, dbg *debug.Session, opts Options) *Session {
	return &Session{
		conn:     conn,
		dbg:      dbg,
		opts:     opts,
		log:      dbg.Log(),
		contCore: -1,
	}
}

// serve runs the control loop until the debugger leaves or the connection
// fails.
func (s *Session) serve(ctx context.Context) error {
	s.log.Info("debugger connected from %s", s.dbg.Remote)
	defer func() {
		// The connection is gone by now, use a fresh context for cleanup.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.dbg.Close(cctx)
		s.log.Info("debugger disconnected")
	}()

	s.attach(ctx)

	for {
		ev, err := s.next(ctx)
		if err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return nil
			}
			return errors.TransportFailed("read packet", err)
		}
		var cmd command.Command = command.Interrupt{}
		if ev.Kind != rsp.EventInterrupt {
			cmd = command.Parse(ev.Payload)
		}
		reply := s.Dispatch(ctx, cmd)
		if len(reply.Wait) > 0 {
			reply = s.wait(ctx, reply.Wait)
		}
		if reply.NoAck {
			// The request itself was acked on receipt.
			s.conn.SetNoAck(true)
		}
		if !reply.Silent {
			if err := s.conn.WritePacket(reply.Payload); err != nil {
				return errors.TransportFailed("write packet", err)
			}
		}
		if reply.Close {
			return nil
		}
	}
}

// attach brings the cores into the state the debugger expects on connect.
// Failures are logged; the debugger still gets a working session.
func (s *Session) attach(ctx context.Context) {
	n := s.dbg.Probe().CoreCount()
	switch {
	case s.opts.ResetHalt:
		for core := range n {
			if err := s.dbg.Run.Reset(ctx, core, true); err != nil {
				s.log.Warn("reset and halt of core %d failed: %v", core, err)
			}
		}
	case s.opts.HaltOnConnect:
		for core := range n {
			if _, err := s.dbg.Run.Interrupt(ctx, core); err != nil {
				s.log.Warn("halting core %d failed: %v", core, err)
			}
		}
	}
}

// next returns a queued packet or waits for the next event.
func (s *Session) next(ctx context.Context) (rsp.Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	return s.conn.ReadPacket(ctx)
}

// wait blocks until one of cores halts or the debugger interrupts, and
// returns the stop reply. Packets that arrive meanwhile are queued in order.
func (s *Session) wait(ctx context.Context, cores []int) Reply {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		stop, err := s.dbg.Run.Poll(ctx, cores)
		if err != nil {
			return s.errorReply(err)
		}
		if stop != nil {
			return s.stopReply(*stop)
		}

		select {
		case <-ctx.Done():
			return Reply{Silent: true, Close: true}
		case ev, ok := <-s.conn.Events():
			if !ok {
				return Reply{Silent: true, Close: true}
			}
			switch ev.Kind {
			case rsp.EventInterrupt:
				return s.interrupt(ctx, cores)
			case rsp.EventPacket:
				s.pending = append(s.pending, ev)
			}
		case <-ticker.C:
		}
	}
}

// interrupt halts every core being waited for. The first one provides the
// stop reply.
func (s *Session) interrupt(ctx context.Context, cores []int) Reply {
	s.log.Debug("interrupt requested")
	var first *debug.Stop
	for _, core := range cores {
		stop, err := s.dbg.Run.Interrupt(ctx, core)
		if err != nil {
			return s.errorReply(err)
		}
		if first == nil {
			first = &stop
		}
	}
	return s.stopReply(*first)
}

// negotiate records the debugger's qSupported features.
func (s *Session) negotiate(args string) {
	s.feat = features{}
	for _, f := range strings.Split(args, ";") {
		switch f {
		case "multiprocess+":
			s.feat.multiprocess = true
		case "swbreak+":
			s.feat.swbreak = true
		case "hwbreak+":
			s.feat.hwbreak = true
		case "vContSupported+":
			s.feat.vContSupported = true
		}
	}
	s.log.Debug("negotiated features %+v", s.feat)
}

// resumeCore returns the core plain c and s packets act on.
func (s *Session) resumeCore() int {
	if s.contCore >= 0 {
		return s.contCore
	}
	return s.dbg.ActiveCore()
}
