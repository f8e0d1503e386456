package proxy

import (
	"bufio"
	"encoding/base64"
	"errors"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
	"github.com/frankzhang89/proxy-tunnel/internal/dialer"
	"github.com/frankzhang89/proxy-tunnel/internal/socks5"
)

const socks5Method = "SOCKS5_CONNECT"

// handleSOCKS5 serves one SOCKS5 CONNECT: method negotiation, optional
// username/password sub-negotiation, request, upstream handshake, relay.
func (s *SOCKSServer) handleSOCKS5(logger zerolog.Logger, rec *eventRecorder, rc *rollingConn, br *bufio.Reader) {
	auth := socks5.Auth{
		Required: s.cfg.RequireClientAuth,
		Check: func(username, password string) bool {
			token := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
			return token == s.cfg.ClientAuthExpected
		},
	}

	if err := socks5.ServerNegotiate(br, rc, auth); err != nil {
		switch {
		case errors.Is(err, socks5.ErrAuthRejected), errors.Is(err, socks5.ErrNoAcceptableMethod):
			logger.Warn().Msg("client authentication rejected")
			rec.emit(accesslog.ActionDenied, 403, 0, socks5Method, "-", "")
		default:
			logger.Warn().Err(err).Msg("SOCKS5 negotiation failed")
			rec.emit(accesslog.ActionDenied, 400, 0, socks5Method, "-", "")
		}
		return
	}

	req, err := socks5.ReadConnectRequest(br)
	if err != nil {
		if errors.Is(err, socks5.ErrCommandNotSupported) {
			logger.Warn().Msg("unsupported SOCKS5 command")
			socks5.WriteCommandNotSupported(rc)
		} else {
			logger.Warn().Err(err).Msg("malformed SOCKS5 request")
			socks5.WriteGeneralFailure(rc)
		}
		rec.emit(accesslog.ActionDenied, 400, 0, socks5Method, "-", "")
		return
	}

	up, err := s.cfg.Dialer.DialConnect(s.ctx, req.Target)
	if err != nil {
		var se *dialer.StatusError
		switch {
		case errors.As(err, &se):
			logger.Info().Str("target", req.Target).Str("status", se.Status).Msg("upstream refused CONNECT")
			socks5.WriteGeneralFailure(rc)
		case errors.Is(err, syscall.ECONNREFUSED):
			logger.Warn().Err(err).Str("target", req.Target).Msg("upstream connection refused")
			socks5.WriteConnectionRefused(rc)
		default:
			logger.Warn().Err(err).Str("target", req.Target).Msg("upstream dial failed")
			socks5.WriteGeneralFailure(rc)
		}
		rec.emit(accesslog.ActionDenied, 403, 0, socks5Method, req.Target, "")
		return
	}
	defer up.Close()

	if err := socks5.WriteSuccess(rc); err != nil {
		rec.emit(accesslog.ActionTunnel, 200, 0, socks5Method, req.Target, "")
		return
	}

	rc.disarm()
	toUp, toClient, rerr := Relay(s.ctx, dialer.NewBufferedConn(br, rc), up, s.bufs)
	if rerr != nil {
		logger.Debug().Err(rerr).Msg("relay closed")
	}
	logger.Debug().Str("target", req.Target).Int64("tx", toUp).Int64("rx", toClient).Msg("tunnel finished")
	rec.emit(accesslog.ActionTunnel, 200, toUp+toClient, socks5Method, req.Target, "")
}
