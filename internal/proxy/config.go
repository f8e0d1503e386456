package proxy

import (
	"net"
	"time"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
	"github.com/frankzhang89/proxy-tunnel/internal/dialer"
)

// Config carries the per-listener engine configuration. It is read-only
// after construction and shared by reference across all connections.
type Config struct {
	RequireClientAuth  bool
	ClientAuthExpected string // pre-encoded "Basic <b64>"
	ServerName         string

	PACEnabled bool
	PACPath    string
	PACContent func() string

	ReadTimeout    time.Duration
	BufferSize     int
	HeaderMaxBytes int

	KeepAlive net.KeepAliveConfig

	Dialer *dialer.Dialer
	Access *accesslog.Logger
}
