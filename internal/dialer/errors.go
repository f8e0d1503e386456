package dialer

import "fmt"

// StatusError reports a completed CONNECT handshake the upstream answered
// with a non-2xx status.
type StatusError struct {
	Code   int
	Status string // e.g. "403 Forbidden"
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream connect failed: %s", e.Status)
}
