package proxy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
	"github.com/frankzhang89/proxy-tunnel/internal/dialer"
)

const (
	socks4CmdConnect = 0x01
	socks4Granted    = 0x5A
	socks4Rejected   = 0x5B

	socks4MaxField = 255
)

const socks4Method = "SOCKS4_CONNECT"

// handleSOCKS4 serves one SOCKS4/4a CONNECT request. The 4a form carries a
// NUL-terminated domain after the userid when DSTIP is 0.0.0.x with x != 0.
func (s *SOCKSServer) handleSOCKS4(logger zerolog.Logger, rec *eventRecorder, rc *rollingConn, br *bufio.Reader) {
	// VN CD DSTPORT(2) DSTIP(4)
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil {
		logger.Warn().Err(err).Msg("short SOCKS4 request")
		rec.emit(accesslog.ActionDenied, 400, 0, socks4Method, "-", "")
		return
	}
	cd := hdr[1]
	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := hdr[4:8]

	if _, err := readNulTerminated(br, socks4MaxField); err != nil { // userid, unused
		logger.Warn().Err(err).Msg("bad SOCKS4 userid")
		rec.emit(accesslog.ActionDenied, 400, 0, socks4Method, "-", "")
		return
	}

	var host string
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		domain, err := readNulTerminated(br, socks4MaxField)
		if err != nil {
			logger.Warn().Err(err).Msg("bad SOCKS4a domain")
			rec.emit(accesslog.ActionDenied, 400, 0, socks4Method, "-", "")
			return
		}
		host = domain
	} else {
		host = net.IP(ip).String()
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if cd != socks4CmdConnect {
		logger.Warn().Uint8("command", cd).Msg("unsupported SOCKS4 command")
		writeSOCKS4Reply(rc, socks4Rejected)
		rec.emit(accesslog.ActionDenied, 403, 0, socks4Method, target, "")
		return
	}

	up, err := s.cfg.Dialer.DialConnect(s.ctx, target)
	if err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("upstream connect failed")
		writeSOCKS4Reply(rc, socks4Rejected)
		rec.emit(accesslog.ActionDenied, 403, 0, socks4Method, target, "")
		return
	}
	defer up.Close()

	if err := writeSOCKS4Reply(rc, socks4Granted); err != nil {
		rec.emit(accesslog.ActionTunnel, 200, 0, socks4Method, target, "")
		return
	}

	rc.disarm()
	toUp, toClient, rerr := Relay(s.ctx, dialer.NewBufferedConn(br, rc), up, s.bufs)
	if rerr != nil {
		logger.Debug().Err(rerr).Msg("relay closed")
	}
	rec.emit(accesslog.ActionTunnel, 200, toUp+toClient, socks4Method, target, "")
}

// writeSOCKS4Reply writes VN=0, CD=code with a zero bound address.
func writeSOCKS4Reply(w io.Writer, code byte) error {
	_, err := w.Write([]byte{0x00, code, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	return err
}

// readNulTerminated reads bytes up to the NUL terminator, rejecting fields
// longer than max.
func readNulTerminated(br *bufio.Reader, max int) (string, error) {
	var b []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			return "", errors.New("unterminated field")
		}
		if c == 0 {
			return string(b), nil
		}
		if len(b) >= max {
			return "", errors.New("field too long")
		}
		b = append(b, c)
	}
}
