// Package gdbserver implements the GDB Remote Serial Protocol front end.
//
// Each accepted connection becomes a Session with its own control loop:
// packets are decoded by internal/rsp, parsed by internal/command and
// dispatched against a debug.Session. The only point where a session blocks
// on the target is while waiting for a running core to halt, and that wait is
// cut short by the interrupt byte.
package gdbserver

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/rsp"
)

// Options configure the RSP server.
type Options struct {
	// PacketSize is advertised in qSupported and bounds incoming packets.
	PacketSize int
	// AllowNoAck offers QStartNoAckMode.
	AllowNoAck bool
	// HaltOnConnect halts the cores when a debugger attaches.
	HaltOnConnect bool
	// ResetHalt resets and halts the cores on attach instead.
	ResetHalt bool
	// MaxSessions bounds concurrent debugger connections.
	MaxSessions int
	// PollInterval is how often running cores are polled.
	PollInterval time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		PacketSize:    rsp.DefaultMaxPacket,
		AllowNoAck:    true,
		HaltOnConnect: true,
		MaxSessions:   1,
		PollInterval:  debug.DefaultPollInterval,
	}
}

// Server accepts debugger connections for one probe.
type Server struct {
	probe *debug.Probe
	opts  Options

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// NewServer creates a server on probe.
func NewServer(probe *debug.Probe, opts Options) *Server {
	if opts.PacketSize <= 0 {
		opts.PacketSize = rsp.DefaultMaxPacket
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = debug.DefaultPollInterval
	}
	return &Server{probe: probe, opts: opts}
}

// Serve accepts connections until ctx is done, then waits for the running
// sessions to end.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info("GDB server listening on %s", ln.Addr())

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				srv.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			srv.wg.Wait()
			return errors.TransportFailed("accept", err)
		}

		srv.wg.Add(1)
		go func(conn net.Conn) {
			defer srv.wg.Done()
			if err := srv.HandleConn(ctx, conn, conn.RemoteAddr().String()); err != nil {
				log.Warn("session from %s ended: %v", conn.RemoteAddr(), err)
			}
		}(c)
	}
}

// HandleConn serves one debugger over rw and closes it when the session
// ends. Connections beyond MaxSessions are refused.
func (srv *Server) HandleConn(ctx context.Context, rw io.ReadWriteCloser, remote string) error {
	defer rw.Close()

	if !srv.acquire() {
		err := errors.SessionLimitReached(srv.opts.MaxSessions)
		log.Warn("refusing connection from %s: %v", remote, err)
		return err
	}
	defer srv.release()

	conn := rsp.NewConn(rw, srv.opts.PacketSize)
	defer conn.Close()

	dbg, err := srv.probe.NewSession(ctx, "gdb", remote)
	if err != nil {
		return err
	}
	dbg.Run.PollInterval = srv.opts.PollInterval

	s := newSession(conn, dbg, srv.opts)
	return s.serve(ctx)
}

// ActiveSessions returns the number of connected debuggers.
func (srv *Server) ActiveSessions() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.active
}

func (srv *Server) acquire() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.active >= srv.opts.MaxSessions {
		return false
	}
	srv.active++
	return true
}

func (srv *Server) release() {
	srv.mu.Lock()
	srv.active--
	srv.mu.Unlock()
}
