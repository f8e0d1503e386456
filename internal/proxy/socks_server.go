package proxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
)

// SOCKSServer serves SOCKS4/4a and SOCKS5 on one listener, dispatching on
// the first byte of each connection.
type SOCKSServer struct {
	ctx    context.Context
	cfg    Config
	bufs   *relayBuffers
	active sync.WaitGroup
}

// NewSOCKSServer constructs a SOCKS server with the given config. ctx
// cancellation force-closes in-flight connections, whether they are still
// negotiating or already relaying.
func NewSOCKSServer(ctx context.Context, cfg Config) *SOCKSServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKSServer{ctx: ctx, cfg: cfg, bufs: newRelayBuffers(cfg.BufferSize)}
}

// Serve accepts connections on ln until it is closed.
func (s *SOCKSServer) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(c)
		}()
	}
}

// Drain waits up to timeout for in-flight connections to finish.
func (s *SOCKSServer) Drain(timeout time.Duration) bool {
	return drainWait(&s.active, timeout)
}

func (s *SOCKSServer) handleConn(conn net.Conn) {
	defer conn.Close()

	// Force-close on shutdown so negotiation-phase reads cannot outlive the
	// grace period.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	rec := newEventRecorder(s.cfg.Access, conn.RemoteAddr())
	logger := log.With().
		Str("conn_id", uuid.NewString()).
		Str("proto", "socks").
		Str("client", rec.client).
		Logger()

	rc := &rollingConn{Conn: conn, timeout: s.cfg.ReadTimeout}
	br := bufio.NewReader(rc)

	ver, err := br.Peek(1)
	if err != nil {
		logger.Debug().Err(err).Msg("connection closed before version byte")
		rec.emit(accesslog.ActionDenied, 400, 0, "SOCKS", "-", "")
		return
	}

	switch ver[0] {
	case 0x04:
		s.handleSOCKS4(logger, rec, rc, br)
	case 0x05:
		s.handleSOCKS5(logger, rec, rc, br)
	default:
		logger.Warn().Uint8("version", ver[0]).Msg("unsupported SOCKS version")
		rec.emit(accesslog.ActionDenied, 400, 0, "SOCKS", "-", "")
	}
}
