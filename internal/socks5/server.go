package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures server-side authentication for SOCKS5 negotiation.
//
// When Required is set, only the username/password method (RFC 1929) is
// acceptable and Check decides whether a credential pair is valid.
type Auth struct {
	Required bool
	Check    func(username, password string) bool
}

var (
	// ErrAuthRejected reports failed username/password sub-negotiation.
	ErrAuthRejected = errors.New("socks5: authentication rejected")
	// ErrNoAcceptableMethod reports that the client offered no usable
	// authentication method.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	// ErrCommandNotSupported reports a request command other than CONNECT.
	ErrCommandNotSupported = errors.New("socks5: command not supported")
)

// ServerNegotiate runs method negotiation and, when required, the
// username/password sub-negotiation. The appropriate failure reply has
// already been written when an error is returned.
func ServerNegotiate(r io.Reader, w io.Writer, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(r)
	if errors.Is(err, txsocks5.ErrBadRequest) {
		// The library rejects NMETHODS=0 itself, before any method is read.
		writeNoAcceptableMethods(w)
		return ErrNoAcceptableMethod
	}
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Required {
		if !containsMethod(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(w)
			return ErrNoAcceptableMethod
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(w); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(r)
		if err != nil {
			return fmt.Errorf("userpass request: %w", err)
		}
		if auth.Check == nil || !auth.Check(string(urq.Uname), string(urq.Passwd)) {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(w)
			return ErrAuthRejected
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(w); err != nil {
			return fmt.Errorf("userpass reply: %w", err)
		}
		return nil
	}

	if len(neg.Methods) == 0 {
		writeNoAcceptableMethods(w)
		return ErrNoAcceptableMethod
	}
	// Without required auth the answer is no-auth regardless of what else
	// the client offered.
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ConnectRequest is a parsed SOCKS5 CONNECT request.
type ConnectRequest struct {
	Target string // host:port, IPv6 in brackets
}

// ReadConnectRequest reads the SOCKS5 request following negotiation.
// A non-CONNECT command yields ErrCommandNotSupported; the caller decides
// which reply to write.
func ReadConnectRequest(r io.Reader) (*ConnectRequest, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		return nil, ErrCommandNotSupported
	}

	var host string
	switch req.Atyp {
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		host = net.IP(req.DstAddr).String()
	case txsocks5.ATYPDomain:
		if len(req.DstAddr) < 2 {
			return nil, fmt.Errorf("empty domain address")
		}
		host = string(req.DstAddr[1:]) // strip the length prefix
	default:
		return nil, fmt.Errorf("unsupported address type %d", req.Atyp)
	}

	port := strconv.Itoa(int(binary.BigEndian.Uint16(req.DstPort)))
	return &ConnectRequest{Target: net.JoinHostPort(host, port)}, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
