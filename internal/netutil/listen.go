// Package netutil opens the TCP listeners of the front ends.
package netutil

import (
	"context"
	"net"

	"github.com/markus-k/probe-rs/internal/errors"
)

// Listen opens a TCP listener on addr. On unix the socket is marked
// SO_REUSEADDR so a restarted server can bind while old connections linger
// in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.TransportFailed("listen on "+addr, err)
	}
	return ln, nil
}
