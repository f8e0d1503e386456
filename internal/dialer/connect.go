package dialer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DialConnect dials the upstream proxy and performs the HTTP CONNECT
// handshake for target ("host:port", IPv6 as "[v6]:port").
//
// No byte of tunnel payload is written until the upstream has answered 2xx.
// Response headers are drained up to the blank line; anything the upstream
// sent beyond it is preserved in the returned connection for the relay.
//
// Non-2xx answers surface as *StatusError. Dial and TLS failures wrap the
// underlying cause.
func (d *Dialer) DialConnect(ctx context.Context, target string) (net.Conn, error) {
	c, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if d.cfg.ReadTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.ReadTimeout))
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	req.WriteString("Proxy-Connection: keep-alive\r\n")
	if d.cfg.AuthHeader != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", d.cfg.AuthHeader)
	}
	req.WriteString("\r\n")

	if _, err := c.Write(req.Bytes()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("upstream connect write: %w", err)
	}

	br := bufio.NewReader(c)

	code, status, err := readStatusLine(br)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("upstream connect read: %w", err)
	}

	if err := drainHeaders(br); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("upstream connect headers: %w", err)
	}

	if code/100 != 2 {
		_ = c.Close()
		return nil, &StatusError{Code: code, Status: status}
	}

	_ = c.SetDeadline(time.Time{})

	return NewBufferedConn(br, c), nil
}

// readStatusLine parses "HTTP/1.1 200 Connection established" into the code
// and the status portion ("200 Connection established").
func readStatusLine(br *bufio.Reader) (int, string, error) {
	line, err := readLine(br)
	if err != nil {
		return 0, "", err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}

	codeStr, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return 0, "", fmt.Errorf("malformed status code in %q", line)
	}

	return code, rest, nil
}

func drainHeaders(br *bufio.Reader) error {
	for {
		line, err := readLine(br)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
