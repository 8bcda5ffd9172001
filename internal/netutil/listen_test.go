package netutil

import (
	"context"
	"net"
	"testing"

	"github.com/markus-k/probe-rs/internal/errors"
)

// TestListenRebind verifies a port can be bound again right after close.
func TestListenRebind(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	<-accepted
	c.Close()
	ln.Close()

	ln2, err := Listen(context.Background(), addr)
	if err != nil {
		t.Fatalf("expected rebind of %s to succeed, got %v", addr, err)
	}
	ln2.Close()
}

// TestListenError verifies bind failures are transport errors.
func TestListenError(t *testing.T) {
	_, err := Listen(context.Background(), "256.0.0.1:0")
	if errors.FromError(err).Code != errors.CodeTransport {
		t.Errorf("expected %s, got %v", errors.CodeTransport, err)
	}
}
