package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/frankzhang89/proxy-tunnel/internal/testutil"
)

func startSOCKSProxy(t *testing.T, cfg Config) net.Listener {
	t.Helper()
	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKSServer(context.Background(), cfg)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func TestSOCKS5NoAuthConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, reqs := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	// Method negotiation: offer no-auth only.
	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	// CONNECT example.com:443 by domain.
	req := []byte{0x05, 0x01, 0x00, 0x03, 0x0b}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xbb)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	head := string((<-reqs).Head)
	if !strings.HasPrefix(head, "CONNECT example.com:443 HTTP/1.1\r\n") {
		t.Errorf("upstream head:\n%s", head)
	}

	// Tunnel payload relays verbatim (mock upstream echoes).
	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5IPv4Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, reqs := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x01, 192, 168, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	head := string((<-reqs).Head)
	if !strings.HasPrefix(head, "CONNECT 192.168.0.1:80 HTTP/1.1\r\n") {
		t.Errorf("upstream head:\n%s", head)
	}
}

func TestSOCKS5IPv6Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, reqs := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	ip := net.ParseIP("2001:db8::1").To16()
	req := append([]byte{0x05, 0x01, 0x00, 0x04}, ip...)
	req = append(req, 0x01, 0xbb)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	head := string((<-reqs).Head)
	if !strings.HasPrefix(head, "CONNECT [2001:db8::1]:443 HTTP/1.1\r\n") {
		t.Errorf("upstream head:\n%s", head)
	}
}

func TestSOCKS5NoAuthAcceptsAnyOffer(t *testing.T) {
	ln := startSOCKSProxy(t, testConfig(t, "127.0.0.1:1", ""))
	c := dialProxy(t, ln)

	// Client offers username/password only; with auth disabled the server
	// still answers no-auth.
	if _, err := c.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})
}

func TestSOCKS5NoMethods(t *testing.T) {
	ln := startSOCKSProxy(t, testConfig(t, "127.0.0.1:1", ""))
	c := dialProxy(t, ln)

	// NMETHODS=0: no acceptable methods.
	if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0xff})
	expectEOF(t, c)
}

func TestSOCKS5AuthRequired(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, _ := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	cfg := testConfig(t, upLn.Addr().String(), "")
	cfg.RequireClientAuth = true
	cfg.ClientAuthExpected = "Basic YTpi" // a:b
	ln := startSOCKSProxy(t, cfg)

	t.Run("good password", func(t *testing.T) {
		c := dialProxy(t, ln)

		if _, err := c.Write([]byte{0x05, 0x02, 0x00, 0x02}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x05, 0x02})

		if _, err := c.Write([]byte{0x01, 0x01, 'a', 0x01, 'b'}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x01, 0x00})

		if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	})

	t.Run("bad password", func(t *testing.T) {
		c := dialProxy(t, ln)

		if _, err := c.Write([]byte{0x05, 0x01, 0x02}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x05, 0x02})

		if _, err := c.Write([]byte{0x01, 0x01, 'a', 0x01, 'x'}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x01, 0x01})
		expectEOF(t, c)
	})

	t.Run("auth method not offered", func(t *testing.T) {
		c := dialProxy(t, ln)

		if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
			t.Fatal(err)
		}
		expectBytes(t, c, []byte{0x05, 0xff})
		expectEOF(t, c)
	})
}

func TestSOCKS5CommandNotSupported(t *testing.T) {
	ln := startSOCKSProxy(t, testConfig(t, "127.0.0.1:1", ""))
	c := dialProxy(t, ln)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	// BIND is not supported.
	if _, err := c.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x07, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	expectEOF(t, c)
}

func TestSOCKS5UpstreamRefuses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, _ := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 403 Forbidden\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	// General failure on upstream refusal.
	expectBytes(t, c, []byte{0x05, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	expectEOF(t, c)
}

func TestSOCKS4Connect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, reqs := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, 443)
	req = append(req, 10, 0, 0, 1)
	req = append(req, []byte("userid")...)
	req = append(req, 0x00)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x00, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	head := string((<-reqs).Head)
	if !strings.HasPrefix(head, "CONNECT 10.0.0.1:443 HTTP/1.1\r\n") {
		t.Errorf("upstream head:\n%s", head)
	}

	testutil.AssertEcho(t, c, c, []byte("ping"))
}

func TestSOCKS4aDomainConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, reqs := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 200 OK\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	// DSTIP 0.0.0.1 marks the 4a form; domain follows the userid.
	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, 80)
	req = append(req, 0, 0, 0, 1)
	req = append(req, 0x00) // empty userid
	req = append(req, []byte("example.com")...)
	req = append(req, 0x00)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x00, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	head := string((<-reqs).Head)
	if !strings.HasPrefix(head, "CONNECT example.com:80 HTTP/1.1\r\n") {
		t.Errorf("upstream head:\n%s", head)
	}
}

func TestSOCKS4BadCommand(t *testing.T) {
	ln := startSOCKSProxy(t, testConfig(t, "127.0.0.1:1", ""))
	c := dialProxy(t, ln)

	// CD=2 (BIND) is rejected.
	req := []byte{0x04, 0x02}
	req = binary.BigEndian.AppendUint16(req, 80)
	req = append(req, 10, 0, 0, 1)
	req = append(req, 0x00)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x00, 0x5b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	expectEOF(t, c)
}

func TestSOCKS4UpstreamFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, _ := testutil.StartMockUpstream(t, ctx, "HTTP/1.1 403 Forbidden\r\n\r\n")
	defer upLn.Close()

	ln := startSOCKSProxy(t, testConfig(t, upLn.Addr().String(), ""))
	c := dialProxy(t, ln)

	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, 443)
	req = append(req, 10, 0, 0, 1)
	req = append(req, 0x00)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x00, 0x5b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	expectEOF(t, c)
}

func TestSOCKSUnknownVersion(t *testing.T) {
	ln := startSOCKSProxy(t, testConfig(t, "127.0.0.1:1", ""))
	c := dialProxy(t, ln)

	if _, err := c.Write([]byte{0x42}); err != nil {
		t.Fatal(err)
	}
	expectEOF(t, c)
}

func expectBytes(t *testing.T, r io.Reader, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func expectEOF(t *testing.T, r io.Reader) {
	t.Helper()
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
