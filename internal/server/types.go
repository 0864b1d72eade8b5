// Package server defines shared helpers reused across client, lifecycle and
// hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrShuttingDown rejects connection attempts once the hub is stopping.
	ErrShuttingDown = errors.New("hub is shutting down")
	// ErrSendQueueFull is returned when a slow client's outbound queue
	// overflows; the connection is closed.
	ErrSendQueueFull = errors.New("send queue full")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
