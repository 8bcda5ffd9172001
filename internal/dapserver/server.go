// Package dapserver implements a Debug Adapter Protocol front end for the
// probe.
//
// This package provides:
//   - Transport: DAP message framing over a connection
//   - Server: accept loop with a session limit
//   - Session: the request loop of one client, driving a debug.Session
//
// Threads are cores, breakpoints are instruction breakpoints and steps are
// single instructions; there is no symbol information. The protocol is
// described at https://microsoft.github.io/debug-adapter-protocol/
package dapserver

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/markus-k/probe-rs/internal/debug"
	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
)

// Options configure the DAP server.
type Options struct {
	// MaxSessions bounds concurrent clients.
	MaxSessions int
	// HaltOnAttach halts every core when a client attaches.
	HaltOnAttach bool
	// PollInterval is how often running cores are polled.
	PollInterval time.Duration
}

// Server accepts DAP clients for one probe.
type Server struct {
	probe *debug.Probe
	opts  Options

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// NewServer creates a server on probe.
func NewServer(probe *debug.Probe, opts Options) *Server {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = debug.DefaultPollInterval
	}
	return &Server{probe: probe, opts: opts}
}

// Serve accepts connections until ctx is done.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info("DAP server listening on %s", ln.Addr())

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				srv.wg.Wait()
				return nil
			default:
			}
			srv.wg.Wait()
			return errors.TransportFailed("accept", err)
		}

		srv.wg.Add(1)
		go func(conn net.Conn) {
			defer srv.wg.Done()
			if err := srv.HandleConn(ctx, conn, conn.RemoteAddr().String()); err != nil {
				log.Warn("DAP session from %s ended: %v", conn.RemoteAddr(), err)
			}
		}(c)
	}
}

// HandleConn serves one client over rw and closes it when the client
// disconnects.
func (srv *Server) HandleConn(ctx context.Context, rw io.ReadWriteCloser, remote string) error {
	t := NewTransport(rw)
	defer t.Close()

	srv.mu.Lock()
	if srv.active >= srv.opts.MaxSessions {
		srv.mu.Unlock()
		err := errors.SessionLimitReached(srv.opts.MaxSessions)
		log.Warn("refusing DAP client from %s: %v", remote, err)
		return err
	}
	srv.active++
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		srv.active--
		srv.mu.Unlock()
	}()

	dbg, err := srv.probe.NewSession(ctx, "dap", remote)
	if err != nil {
		return err
	}
	dbg.Run.PollInterval = srv.opts.PollInterval
	return newSession(t, dbg, srv.opts).serve(ctx)
}
