package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
	"github.com/frankzhang89/proxy-tunnel/internal/config"
	"github.com/frankzhang89/proxy-tunnel/internal/dialer"
	"github.com/frankzhang89/proxy-tunnel/internal/proxy"
)

// shutdownGrace bounds how long in-flight tunnels may drain after the
// listeners close.
const shutdownGrace = 5 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func run() (int, error) {
	configFile := pflag.String("config", "", "Path to a config.properties file merged over working-directory config")

	// One flag per configuration key; explicitly set flags override the
	// property files. Defaults here mirror internal/config.
	pflag.String("listen.host", "127.0.0.1", "Local bind address for both listeners")
	pflag.Int("listen.port", 8282, "HTTP proxy listen port")
	pflag.Int("listen.socks.port", 1080, "SOCKS proxy listen port (0 disables)")
	pflag.String("listen.username", "", "Username required from clients (empty disables client auth)")
	pflag.String("listen.password", "", "Password required from clients")
	pflag.String("upstream.host", "", "Upstream HTTP(S) proxy host (required)")
	pflag.Int("upstream.port", 443, "Upstream proxy port")
	pflag.Bool("upstream.tls", true, "Wrap the upstream connection in TLS")
	pflag.String("upstream.username", "", "Username sent to the upstream proxy")
	pflag.String("upstream.password", "", "Password sent to the upstream proxy")
	pflag.Int("timeouts.connectMillis", 10000, "Upstream connect timeout in milliseconds")
	pflag.Int("timeouts.readMillis", 60000, "Per-read timeout during negotiation in milliseconds")
	pflag.Int("buffer.size", 16*1024, "Relay copy buffer size in bytes")
	pflag.Int("header.maxBytes", 32*1024, "Maximum HTTP request head size in bytes")
	pflag.Int("http.maxInitialBytes", 1024*1024, "Accepted for compatibility; not applied, forward request bodies are relayed")
	pflag.Bool("pac.enabled", true, "Serve the PAC document on the HTTP listener")
	pflag.String("pac.path", "/proxy.pac", "URL path of the PAC document")
	pflag.String("pac.host", "127.0.0.1", "Proxy host written into the generated PAC document")
	pflag.String("pac.file", "", "Path to a custom PAC file (empty generates a default)")
	pflag.String("server.name", "proxy-tunnel", "Server name used in the Proxy-Authenticate realm")
	pflag.String("log.level", "info", "Diagnostic log level: debug|info|warn|error")
	pflag.Bool("access.log.enabled", true, "Enable the Squid-style access log")
	pflag.String("access.log.file", "", "Access log file path (empty for console only)")
	pflag.Bool("access.log.console", true, "Write the access log to stdout")

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	overrides := make(map[string]string)
	pflag.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			overrides[f.Name] = f.Value.String()
		}
	})

	cfg, err := config.Load(*configFile, overrides)
	if err != nil {
		if errors.Is(err, config.ErrMissingUpstreamHost) {
			return 2, fmt.Errorf("missing required property upstream.host (set it in config.properties or via --upstream.host)")
		}
		return 1, err
	}

	level, lerr := zerolog.ParseLevel(cfg.LogLevel)
	if lerr != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	var access *accesslog.Logger
	if cfg.AccessLogEnabled {
		access, err = accesslog.New(cfg.AccessLogFile, cfg.AccessLogConsole)
		if err != nil {
			return 1, err
		}
		defer access.Close()
	}

	keepAlive := net.KeepAliveConfig{Enable: true}

	upstream := dialer.New(dialer.Config{
		Host:           cfg.UpstreamHost,
		Port:           cfg.UpstreamPort,
		TLS:            cfg.UpstreamTLS,
		AuthHeader:     cfg.UpstreamAuthHeader,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		KeepAlive:      keepAlive,
	})

	proxyCfg := proxy.Config{
		RequireClientAuth:  cfg.RequireClientAuth,
		ClientAuthExpected: cfg.ClientAuthExpected,
		ServerName:         cfg.ServerName,
		PACEnabled:         cfg.PACEnabled,
		PACPath:            cfg.PACPath,
		PACContent:         cfg.PACContent,
		ReadTimeout:        cfg.ReadTimeout,
		BufferSize:         cfg.BufferSize,
		HeaderMaxBytes:     cfg.HeaderMaxBytes,
		KeepAlive:          keepAlive,
		Dialer:             upstream,
		Access:             access,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every accepted socket is tied to this context, which is cancelled only
	// after the grace period: a shutdown signal stops accepts immediately
	// but lets in-flight connections drain, then force-closes the rest.
	tunnelCtx, tunnelCancel := context.WithCancel(context.Background())
	defer tunnelCancel()

	httpSrv := proxy.NewHTTPProxyServer(tunnelCtx, proxyCfg)
	socksSrv := proxy.NewSOCKSServer(tunnelCtx, proxyCfg)

	g := new(errgroup.Group)

	httpLn, err := proxy.ListenTCP("tcp", net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.HTTPPort)), keepAlive)
	if err != nil {
		return 1, fmt.Errorf("http listen: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = httpLn.Close() })
	g.Go(func() error {
		return serveUntilClosed("http proxy", httpSrv.Serve, httpLn)
	})
	log.Info().Str("addr", httpLn.Addr().String()).Msg("http proxy listening")

	if cfg.SOCKSPort != 0 {
		socksLn, err := proxy.ListenTCP("tcp", net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.SOCKSPort)), keepAlive)
		if err != nil {
			return 1, fmt.Errorf("socks listen: %w", err)
		}
		context.AfterFunc(ctx, func() { _ = socksLn.Close() })
		g.Go(func() error {
			return serveUntilClosed("socks proxy", socksSrv.Serve, socksLn)
		})
		log.Info().Str("addr", socksLn.Addr().String()).Msg("socks proxy listening")
	}

	if err := g.Wait(); err != nil {
		return 1, err
	}

	log.Info().Msg("shutting down")
	if !httpSrv.Drain(shutdownGrace) || !socksSrv.Drain(shutdownGrace) {
		log.Warn().Msg("grace period elapsed, force-closing remaining connections")
		// Cancelling the tunnel context closes every remaining socket,
		// negotiating or relaying; give the unblocked handlers a moment to
		// emit their access events before the log is closed.
		tunnelCancel()
		httpSrv.Drain(time.Second)
		socksSrv.Drain(time.Second)
	}

	return 0, nil
}

func serveUntilClosed(name string, serve func(net.Listener) error, ln net.Listener) error {
	err := serve(ln)
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%s serve: %w", name, err)
}
