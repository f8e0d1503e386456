package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config describes the upstream proxy endpoint and handshake limits.
type Config struct {
	Host       string
	Port       int
	TLS        bool
	AuthHeader string // pre-encoded "Basic <b64>", empty when unauthenticated

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	KeepAlive net.KeepAliveConfig
}

// Dialer opens connections to the configured upstream proxy.
type Dialer struct {
	cfg  Config
	addr string
}

// New constructs a Dialer for the upstream endpoint in cfg.
func New(cfg Config) *Dialer {
	return &Dialer{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
}

// Addr returns the upstream host:port.
func (d *Dialer) Addr() string {
	return d.addr
}

// AuthHeader returns the pre-encoded upstream Proxy-Authorization value, or
// empty when the upstream is unauthenticated.
func (d *Dialer) AuthHeader() string {
	return d.cfg.AuthHeader
}

// Dial opens a TCP connection to the upstream proxy within ConnectTimeout,
// wrapping it in TLS (SNI = upstream host, ambient trust store) when
// configured. The returned connection has completed all handshakes but
// carries no deadline.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{
		Timeout:         d.cfg.ConnectTimeout,
		KeepAliveConfig: d.cfg.KeepAlive,
	}

	c, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("upstream dial %s: %w", d.addr, err)
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if !d.cfg.TLS {
		return c, nil
	}

	tlsConn := tls.Client(c, &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: d.cfg.Host,
	})
	if d.cfg.ConnectTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("upstream tls handshake %s: %w", d.addr, err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return tlsConn, nil
}
