package dapserver

import (
	"bufio"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"

	"github.com/markus-k/probe-rs/internal/errors"
)

// Transport carries Content-Length framed DAP messages over one connection.
// Send may be called from any goroutine; Receive from one reader only.
type Transport struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	seq atomic.Int64
}

// NewTransport frames messages on rwc.
func NewTransport(rwc io.ReadWriteCloser) *Transport {
	return &Transport{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
		w:   bufio.NewWriter(rwc),
	}
}

// NextSeq numbers outgoing messages from 1.
func (t *Transport) NextSeq() int {
	return int(t.seq.Add(1))
}

// Send writes and flushes msg.
func (t *Transport) Send(msg dap.Message) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if err := dap.WriteProtocolMessage(t.w, msg); err != nil {
		return errors.TransportFailed("write DAP message", err)
	}
	if err := t.w.Flush(); err != nil {
		return errors.TransportFailed("flush DAP message", err)
	}
	return nil
}

// Receive blocks for the next message. A closed connection is io.EOF.
func (t *Transport) Receive() (dap.Message, error) {
	msg, err := dap.ReadProtocolMessage(t.r)
	switch {
	case err == nil:
		return msg, nil
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrClosedPipe), stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, net.ErrClosed):
		return nil, io.EOF
	}
	return nil, errors.TransportFailed("read DAP message", err)
}

// Close closes the connection, unblocking Receive.
func (t *Transport) Close() error {
	return t.rwc.Close()
}
