package proxy

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig and TCP_NODELAY to accepted TCP connections.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &tcpListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// tcpListener wraps a net.Listener and applies socket options to any
// accepted *net.TCPConn.
type tcpListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *tcpListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
		_ = tc.SetNoDelay(true)
	}

	return conn, nil
}

// rollingConn refreshes the read deadline before every read, giving the
// negotiation phase a rolling per-read timeout. disarm switches the
// connection back to deadline-free reads before the relay takes over.
type rollingConn struct {
	net.Conn
	timeout time.Duration
}

func (c *rollingConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *rollingConn) disarm() {
	c.timeout = 0
	_ = c.Conn.SetReadDeadline(time.Time{})
}

// CloseWrite half-closes the write side when the underlying connection
// supports it.
func (c *rollingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
