package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/frankzhang89/proxy-tunnel/internal/accesslog"
)

// eventRecorder emits at most one access log event for one accepted
// connection. Every handler exit path calls emit; only the first call wins.
type eventRecorder struct {
	access *accesslog.Logger
	start  time.Time
	client string
	done   bool
}

func newEventRecorder(access *accesslog.Logger, remote net.Addr) *eventRecorder {
	return &eventRecorder{
		access: access,
		start:  time.Now(),
		client: clientHost(remote),
	}
}

func (r *eventRecorder) emit(action accesslog.Action, code int, bytes int64, method, target, contentType string) {
	if r.done {
		return
	}
	r.done = true
	r.access.Log(accesslog.Event{
		Time:        time.Now(),
		Duration:    time.Since(r.start),
		Client:      r.client,
		Action:      action,
		StatusCode:  code,
		Bytes:       bytes,
		Method:      method,
		Target:      target,
		ContentType: contentType,
	})
}

// clientHost returns the bare client IP for logging.
func clientHost(addr net.Addr) string {
	if addr == nil {
		return "-"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// drainWait blocks until wg is done or timeout elapses, reporting whether
// the group drained in time.
func drainWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
