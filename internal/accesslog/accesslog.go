package accesslog

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Action classifies a completed tunnel for the Squid-style log line.
type Action string

const (
	// ActionTunnel marks a relayed CONNECT or SOCKS tunnel.
	ActionTunnel Action = "TCP_TUNNEL"
	// ActionMiss marks a forwarded (non-tunnelled) HTTP exchange, including PAC.
	ActionMiss Action = "TCP_MISS"
	// ActionDenied marks a rejected connection (auth failure, bad handshake).
	ActionDenied Action = "TCP_DENIED"
)

const queueCapacity = 10000

const timestampFormat = "2006-01-02 15:04:05"

// Event is one completed inbound connection. Exactly one Event is submitted
// per accepted connection.
type Event struct {
	Time        time.Time
	Duration    time.Duration
	Client      string
	Action      Action
	StatusCode  int
	Bytes       int64
	Method      string
	Target      string
	ContentType string
}

// Logger writes Squid-style access log lines to the console and/or a file.
//
// Submissions go through a bounded queue drained by a single writer
// goroutine, so concurrent handlers never block on log I/O; entries are
// dropped with a warning when the queue is full.
type Logger struct {
	queue   chan string
	done    chan struct{}
	console bool
	file    *os.File
	w       *bufio.Writer

	closeOnce sync.Once
}

// New opens an access logger. file may be empty for console-only output;
// parent directories are created as needed. A nil Logger is valid and
// discards all events.
func New(file string, console bool) (*Logger, error) {
	l := &Logger{
		queue:   make(chan string, queueCapacity),
		done:    make(chan struct{}),
		console: console,
	}

	if file != "" {
		if dir := filepath.Dir(file); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("access log dir: %w", err)
			}
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("access log open: %w", err)
		}
		l.file = f
		l.w = bufio.NewWriter(f)
	}

	go l.writeLoop()
	return l, nil
}

// Log submits one event. Safe for concurrent use; never blocks.
func (l *Logger) Log(ev Event) {
	if l == nil {
		return
	}
	select {
	case l.queue <- formatLine(ev):
	default:
		log.Warn().Msg("access log queue full, dropping entry")
	}
}

// Close flushes queued entries and closes the file sink.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
		if l.file != nil {
			_ = l.w.Flush()
			_ = l.file.Close()
		}
	})
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for line := range l.queue {
		if l.w != nil {
			_, _ = l.w.WriteString(line + "\n")
			_ = l.w.Flush()
		}
		if l.console {
			fmt.Fprintln(os.Stdout, line)
		}
	}
}

// formatLine renders one Squid-style line:
//
//	timestamp duration client action/code size method target user hierarchy content-type
func formatLine(ev Event) string {
	contentType := ev.ContentType
	if contentType == "" {
		contentType = "-"
	}
	return fmt.Sprintf("%s %d %s %s/%d %d %s %s - HIER_DIRECT/%s %s",
		ev.Time.Format(timestampFormat),
		ev.Duration.Milliseconds(),
		ev.Client,
		ev.Action,
		ev.StatusCode,
		ev.Bytes,
		ev.Method,
		ev.Target,
		targetHost(ev.Target),
		contentType,
	)
}

// targetHost extracts the bare host from host:port or an absolute http(s) URL.
func targetHost(target string) string {
	s := target
	if rest, ok := strings.CutPrefix(s, "http://"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "https://"); ok {
		s = rest
	}
	if i := strings.IndexByte(s, '/'); i > 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
