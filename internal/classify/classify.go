// Package classify decides whether a failed write looks like an
// offline/transport fault (queue it and replay later) or a semantic rejection
// from the backend (surface it to the user immediately). Feature modules call
// IsOfflineError before queueing; the engine itself never classifies — this
// separation is a deliberate strategy seam, not an oversight.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// StatusError is an HTTP-shaped backend rejection. Anything carrying a
// StatusCode() int is classified by code; this concrete type is what the
// bundled HTTP replay handler produces.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

// IsOfflineError reports whether err is transient/network-class. Validation,
// authorization, and conflict responses classify false: retrying them forever
// would never succeed and must be surfaced instead.
func IsOfflineError(err error) bool {
	if err == nil {
		return false
	}

	// Status-shaped errors are classified by code regardless of transport:
	// timeouts, throttling, and server faults are worth retrying once the
	// world changes; other 4xx are semantic rejections.
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		switch {
		case code == 408 || code == 429:
			return true
		case code >= 500:
			return true
		default:
			return false
		}
	}

	// An aborted or timed-out request counts as offline-like: the intent never
	// reached a backend that could judge it.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	// A connection dropped mid-response surfaces as an unexpected EOF.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Last resort: message heuristics for errors that arrive stringified
	// across process or bridge boundaries.
	msg := strings.ToLower(err.Error())
	for _, marker := range offlineMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

var offlineMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"broken pipe",
	"failed to fetch",
	"fetch aborted",
	"temporarily unavailable",
}
