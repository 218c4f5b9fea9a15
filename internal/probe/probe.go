// Package probe checks whether TCP ports accept connections.
package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Prober reports whether host:port currently accepts a TCP connection.
// A nil error means the port is open.
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

// TCPProber dials the port and closes the connection immediately.
type TCPProber struct {
	DialTimeout time.Duration
}

// NewTCPProber returns a prober with the given per-attempt dial timeout.
func NewTCPProber(dialTimeout time.Duration) *TCPProber {
	return &TCPProber{DialTimeout: dialTimeout}
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
