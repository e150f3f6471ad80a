// Package listener opens the TCP socket the relay accepts connections on.
package listener

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// Options tune the listening socket.
type Options struct {
	// ReusePort sets SO_REUSEPORT so several relay processes can share addr.
	ReusePort bool
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string, opts Options) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if !opts.ReusePort {
				return nil
			}
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setReusePort(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}
