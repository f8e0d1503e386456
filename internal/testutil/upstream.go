package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// UpstreamRequest is one request head captured by a mock upstream proxy.
type UpstreamRequest struct {
	Head []byte // raw bytes through the blank-line terminator
}

// StartMockUpstream starts a mock of the corporate upstream HTTP proxy.
//
// For every accepted connection it reads one request head, records it, and
// writes response. When the head is a CONNECT and response is a 2xx, the
// connection then echoes tunnel payload back to the sender until EOF.
// Captured heads are delivered on the returned channel (buffered).
func StartMockUpstream(t *testing.T, ctx context.Context, response string) (net.Listener, <-chan UpstreamRequest) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	reqs := make(chan UpstreamRequest, 16)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()

				head, err := readHead(bufio.NewReader(c))
				if err != nil {
					return
				}
				reqs <- UpstreamRequest{Head: head}

				if _, err := io.WriteString(c, response); err != nil {
					return
				}

				if bytes.HasPrefix(head, []byte("CONNECT ")) && is2xx(response) {
					_, _ = io.Copy(c, c)
				}
			}()
		}
	}()

	return ln, reqs
}

func readHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		head = append(head, b)
		if len(head) >= 4 && bytes.HasSuffix(head, []byte("\r\n\r\n")) {
			return head, nil
		}
	}
}

func is2xx(response string) bool {
	return bytes.HasPrefix([]byte(response), []byte("HTTP/1.1 2"))
}
