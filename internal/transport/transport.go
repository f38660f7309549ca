// Package transport opens the network connections used for mail delivery.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// defaultConnectTimeout bounds how long a single dial may take.
const defaultConnectTimeout = 30 * time.Second

// Transport opens a connection to host:port. Implementations can be
// swapped out in tests so no real sockets are needed.
type Transport interface {
	Connect(ctx context.Context, host string, port int) (net.Conn, error)
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, host string, port int) (net.Conn, error)

// Connect calls f.
func (f Func) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	return f(ctx, host, port)
}

// Dialer is the production Transport backed by TCP.
type Dialer struct {
	// Timeout bounds connection establishment. Zero means 30s.
	Timeout time.Duration
}

// Connect dials host:port.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nd := &net.Dialer{Timeout: timeout}

	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}
