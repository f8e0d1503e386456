package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
	"github.com/frankzhang89/proxy-tunnel/internal/dialer"
)

// HTTPProxyServer serves the HTTP forward proxy: PAC, client
// authentication, CONNECT tunnelling, and non-CONNECT forwarding through
// the upstream proxy.
type HTTPProxyServer struct {
	ctx    context.Context
	cfg    Config
	bufs   *relayBuffers
	active sync.WaitGroup
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
// ctx cancellation force-closes in-flight connections, whether they are
// still negotiating or already relaying.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &HTTPProxyServer{ctx: ctx, cfg: cfg, bufs: newRelayBuffers(cfg.BufferSize)}
}

// Serve accepts connections on ln until it is closed, handling each in its
// own goroutine.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
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
func (s *HTTPProxyServer) Drain(timeout time.Duration) bool {
	return drainWait(&s.active, timeout)
}

func (s *HTTPProxyServer) handleConn(conn net.Conn) {
	defer conn.Close()

	// Force-close on shutdown so negotiation-phase reads cannot outlive the
	// grace period.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	rec := newEventRecorder(s.cfg.Access, conn.RemoteAddr())
	logger := log.With().
		Str("conn_id", uuid.NewString()).
		Str("proto", "http").
		Str("client", rec.client).
		Logger()

	rc := &rollingConn{Conn: conn, timeout: s.cfg.ReadTimeout}
	br := bufio.NewReader(rc)

	head, err := ReadRequestHead(br, s.cfg.HeaderMaxBytes)
	if err != nil {
		if !errors.Is(err, io.EOF) && !isTimeout(err) {
			logger.Warn().Err(err).Msg("malformed request head")
		}
		writeSimpleResponse(conn, "400 Bad Request")
		rec.emit(accesslog.ActionMiss, 400, 0, "-", "-", "")
		return
	}

	// PAC is served without authentication.
	if s.cfg.PACEnabled && head.Method == "GET" && head.Target == s.cfg.PACPath {
		n := s.servePAC(conn)
		logger.Debug().Msg("served PAC file")
		rec.emit(accesslog.ActionMiss, 200, n, "GET", head.Target, pacContentType)
		return
	}

	if s.cfg.RequireClientAuth {
		got, _ := head.Get("Proxy-Authorization")
		if got != s.cfg.ClientAuthExpected {
			logger.Warn().Str("method", head.Method).Msg("client authentication rejected")
			writeProxyAuthRequired(conn, s.cfg.ServerName)
			rec.emit(accesslog.ActionDenied, 407, 0, head.Method, head.Target, "")
			return
		}
	}

	if strings.EqualFold(head.Method, "CONNECT") {
		s.handleConnect(logger, rec, rc, br, head)
		return
	}
	s.handleForward(logger, rec, rc, br, head)
}

// handleConnect tunnels a CONNECT request: upstream handshake first, then
// 200 to the client, then raw relay.
func (s *HTTPProxyServer) handleConnect(logger zerolog.Logger, rec *eventRecorder, rc *rollingConn, br *bufio.Reader, head *RequestHead) {
	target := head.Target
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	up, err := s.cfg.Dialer.DialConnect(s.ctx, target)
	if err != nil {
		var se *dialer.StatusError
		if errors.As(err, &se) {
			logger.Info().Str("target", target).Str("status", se.Status).Msg("upstream refused CONNECT")
			fmt.Fprintf(rc, "HTTP/1.1 %s\r\nConnection: close\r\n\r\n", se.Status)
			rec.emit(accesslog.ActionDenied, se.Code, 0, "CONNECT", target, "")
		} else {
			logger.Warn().Err(err).Str("target", target).Msg("upstream dial failed")
			writeSimpleResponse(rc, "502 Bad Gateway")
			rec.emit(accesslog.ActionDenied, 502, 0, "CONNECT", target, "")
		}
		return
	}
	defer up.Close()

	if _, err := io.WriteString(rc, "HTTP/1.1 200 Connection Established\r\nProxy-Connection: keep-alive\r\n\r\n"); err != nil {
		rec.emit(accesslog.ActionTunnel, 200, 0, "CONNECT", target, "")
		return
	}

	rc.disarm()
	client := dialer.NewBufferedConn(br, rc)

	toUp, toClient, rerr := Relay(s.ctx, client, up, s.bufs)
	if rerr != nil {
		logger.Debug().Err(rerr).Msg("relay closed")
	}
	logger.Debug().Str("target", target).Int64("tx", toUp).Int64("rx", toClient).Msg("tunnel finished")
	rec.emit(accesslog.ActionTunnel, 200, toUp+toClient, "CONNECT", target, "")
}

// handleForward sends a rewritten non-CONNECT request to the upstream proxy
// over a raw connection and relays the rest of the exchange. The relay
// starts immediately after the head is written, so request bodies stream to
// the upstream while the response is still pending; the response status
// line is captured on its way back to the client for the access log.
func (s *HTTPProxyServer) handleForward(logger zerolog.Logger, rec *eventRecorder, rc *rollingConn, br *bufio.Reader, head *RequestHead) {
	// Never leak inbound credentials upstream.
	head.Del("Proxy-Authorization")
	if auth := s.cfg.Dialer.AuthHeader(); auth != "" {
		head.Add("Proxy-Authorization", auth)
	}
	head.Set("Proxy-Connection", "keep-alive")

	up, err := s.cfg.Dialer.Dial(s.ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("upstream dial failed")
		writeSimpleResponse(rc, "502 Bad Gateway")
		rec.emit(accesslog.ActionMiss, 502, 0, head.Method, head.Target, "")
		return
	}
	defer up.Close()

	if _, err := head.WriteTo(up); err != nil {
		logger.Warn().Err(err).Msg("upstream write failed")
		writeSimpleResponse(rc, "502 Bad Gateway")
		rec.emit(accesslog.ActionMiss, 502, 0, head.Method, head.Target, "")
		return
	}

	rc.disarm()
	client := &statusLineConn{Conn: dialer.NewBufferedConn(br, rc)}

	toUp, toClient, rerr := Relay(s.ctx, client, up, s.bufs)
	if rerr != nil {
		logger.Debug().Err(rerr).Msg("relay closed")
	}

	code := client.StatusCode()
	if code == 0 {
		// The upstream never produced a status line.
		code = 502
	}
	rec.emit(accesslog.ActionMiss, code, toUp+toClient, head.Method, head.Target, "")
}

// statusLineLimit bounds how many leading response bytes are inspected for
// the status line.
const statusLineLimit = 512

// statusLineConn captures the first line the upstream sends back to the
// client, so the forwarded status code can be logged without parsing
// response framing or delaying the relay.
type statusLineConn struct {
	net.Conn
	line []byte
	done bool
}

func (c *statusLineConn) Write(p []byte) (int, error) {
	if !c.done {
		for _, b := range p {
			c.line = append(c.line, b)
			if b == '\n' || len(c.line) >= statusLineLimit {
				c.done = true
				break
			}
		}
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes the write side when the underlying connection
// supports it.
func (c *statusLineConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// StatusCode returns the code from the captured status line, 0 when none
// was seen.
func (c *statusLineConn) StatusCode() int {
	return parseStatusCode(string(c.line))
}

// parseStatusCode extracts the code from "HTTP/1.1 200 OK"; 0 when absent.
func parseStatusCode(statusLine string) int {
	_, rest, ok := strings.Cut(statusLine, " ")
	if !ok {
		return 0
	}
	codeStr, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return 0
	}
	return code
}

func writeSimpleResponse(w io.Writer, status string) {
	fmt.Fprintf(w, "HTTP/1.1 %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status)
}

func writeProxyAuthRequired(w io.Writer, realm string) {
	fmt.Fprintf(w, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"%s\"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", realm)
}
