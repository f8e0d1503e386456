package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"github.com/rs/zerolog/log"
)

// ErrMissingUpstreamHost is returned by Load when upstream.host is not set.
// The caller is expected to exit with status 2.
var ErrMissingUpstreamHost = errors.New("missing required property upstream.host")

// workingDirConfig is loaded automatically when present, before the
// --config file and CLI overrides.
const workingDirConfig = "config.properties"

// Config is the fully resolved, immutable process configuration.
//
// It is built once at startup by Load and shared by reference; nothing
// mutates it afterwards.
type Config struct {
	ListenHost string
	HTTPPort   int
	SOCKSPort  int // 0 disables the SOCKS listener

	RequireClientAuth  bool
	ClientAuthExpected string // pre-encoded "Basic <b64>", empty unless RequireClientAuth

	UpstreamHost       string
	UpstreamPort       int
	UpstreamTLS        bool
	UpstreamAuthHeader string // pre-encoded "Basic <b64>", empty when unauthenticated

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	BufferSize          int
	HeaderMaxBytes      int
	HTTPMaxInitialBytes int

	ServerName string

	PACEnabled bool
	PACPath    string
	PACHost    string
	PACFile    string

	LogLevel string

	AccessLogEnabled bool
	AccessLogFile    string
	AccessLogConsole bool
}

// Load resolves the configuration from layered sources, later sources
// overriding earlier ones:
//
//  1. built-in defaults
//  2. config.properties in the working directory, if present
//  3. the file named by configFile (--config), if non-empty
//  4. explicit CLI overrides
func Load(configFile string, overrides map[string]string) (*Config, error) {
	p := properties.NewProperties()

	if _, err := os.Stat(workingDirConfig); err == nil {
		if err := mergeFile(p, workingDirConfig); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		if err := mergeFile(p, configFile); err != nil {
			return nil, err
		}
	}

	for k, v := range overrides {
		if _, _, err := p.Set(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}

	return build(p)
}

func mergeFile(p *properties.Properties, path string) error {
	loaded, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	p.Merge(loaded)
	return nil
}

func build(p *properties.Properties) (*Config, error) {
	listenUser := strings.TrimSpace(p.GetString("listen.username", ""))
	listenPass := strings.TrimSpace(p.GetString("listen.password", ""))
	upstreamUser := strings.TrimSpace(p.GetString("upstream.username", ""))
	upstreamPass := strings.TrimSpace(p.GetString("upstream.password", ""))

	cfg := &Config{
		ListenHost: p.GetString("listen.host", "127.0.0.1"),
		HTTPPort:   p.GetInt("listen.port", 8282),
		SOCKSPort:  p.GetInt("listen.socks.port", 1080),

		RequireClientAuth: listenUser != "",

		UpstreamHost: strings.TrimSpace(p.GetString("upstream.host", "")),
		UpstreamPort: p.GetInt("upstream.port", 443),
		UpstreamTLS:  p.GetBool("upstream.tls", true),

		ConnectTimeout: time.Duration(p.GetInt("timeouts.connectMillis", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(p.GetInt("timeouts.readMillis", 60000)) * time.Millisecond,

		BufferSize:          p.GetInt("buffer.size", 16*1024),
		HeaderMaxBytes:      p.GetInt("header.maxBytes", 32*1024),
		HTTPMaxInitialBytes: p.GetInt("http.maxInitialBytes", 1024*1024),

		ServerName: p.GetString("server.name", "proxy-tunnel"),

		PACEnabled: p.GetBool("pac.enabled", true),
		PACPath:    p.GetString("pac.path", "/proxy.pac"),
		PACHost:    p.GetString("pac.host", "127.0.0.1"),
		PACFile:    p.GetString("pac.file", ""),

		LogLevel: p.GetString("log.level", "info"),

		AccessLogEnabled: p.GetBool("access.log.enabled", true),
		AccessLogFile:    p.GetString("access.log.file", ""),
		AccessLogConsole: p.GetBool("access.log.console", true),
	}

	if cfg.RequireClientAuth {
		cfg.ClientAuthExpected = BasicAuthHeader(listenUser, listenPass)
	}
	if upstreamUser != "" {
		cfg.UpstreamAuthHeader = BasicAuthHeader(upstreamUser, upstreamPass)
	}

	if cfg.UpstreamHost == "" {
		return nil, ErrMissingUpstreamHost
	}

	return cfg, nil
}

// BasicAuthHeader returns "Basic base64(user:pass)" with user:pass encoded as
// UTF-8. Both inbound and outbound credentials are encoded once here and
// compared by byte equality afterwards.
func BasicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// PACContent returns the PAC document to serve.
//
// A custom file named by pac.file wins when readable; otherwise a default
// document is generated that bypasses the proxy for localhost and private
// networks and routes everything else through this proxy.
func (c *Config) PACContent() string {
	if c.PACFile != "" {
		data, err := os.ReadFile(c.PACFile)
		if err == nil {
			return string(data)
		}
		log.Warn().Str("file", c.PACFile).Err(err).Msg("failed to read PAC file, using generated default")
	}

	return fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (isPlainHostName(host) ||
        shExpMatch(host, "localhost") ||
        shExpMatch(host, "127.*") ||
        shExpMatch(host, "10.*") ||
        shExpMatch(host, "172.16.*") ||
        shExpMatch(host, "192.168.*")) {
        return "DIRECT";
    }
    return "SOCKS5 %s:%d; PROXY %s:%d; DIRECT";
}
`, c.PACHost, c.SOCKSPort, c.PACHost, c.HTTPPort)
}
