package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleTimeout closes tunnels that transferred no bytes in either direction
// within the window.
const idleTimeout = 120 * time.Second

// Relay copies bytes between client and upstream in both directions until
// both sides have finished, returning the number of payload bytes moved in
// each direction.
//
// EOF on one side half-closes the other side's write direction, letting the
// opposite stream drain; any I/O error or ctx cancellation closes both
// sides, so both copy goroutines exit within one buffered read. Both
// connections are closed by the time Relay returns.
func Relay(ctx context.Context, client, upstream net.Conn, bufs *relayBuffers) (toUpstream, toClient int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	// gctx is done on the first copy error or outside cancellation; close
	// both sides to unblock the other copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()
	defer closeBoth()

	var activity atomicTime
	activity.Store(time.Now())

	g.Go(func() error {
		return copyOneWay(upstream, client, bufs, &toUpstream, &activity)
	})
	g.Go(func() error {
		return copyOneWay(client, upstream, bufs, &toClient, &activity)
	})

	err = g.Wait()
	return toUpstream, toClient, err
}

// copyOneWay pumps src to dst, flushing each chunk as it arrives. Writes
// block until the peer accepts bytes, which throttles reads from src.
func copyOneWay(dst, src net.Conn, bufs *relayBuffers, count *int64, activity *atomicTime) error {
	buf := bufs.get()
	defer bufs.put(buf)

	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))

		n, rerr := src.Read(buf)
		if n > 0 {
			activity.Store(time.Now())
			*count += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			halfCloseWrite(dst)
			return nil
		case isTimeout(rerr) && time.Since(activity.Load()) < idleTimeout:
			// The other direction was active recently; keep waiting.
		default:
			return rerr
		}
	}
}

func halfCloseWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// atomicTime is a lock-free last-activity timestamp shared by the two copy
// goroutines.
type atomicTime struct {
	nanos atomic.Int64
}

func (t *atomicTime) Store(v time.Time) { t.nanos.Store(v.UnixNano()) }
func (t *atomicTime) Load() time.Time   { return time.Unix(0, t.nanos.Load()) }
