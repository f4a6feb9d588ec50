// Package failure holds the error taxonomy shared by the connection manager
// and its collaborators.
package failure

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExhaustedRetries is terminal: no further automatic reconnects happen
	// until a manual reconnect.
	ErrExhaustedRetries = errors.New("reconnect attempts exhausted")
	ErrEvicted          = errors.New("request evicted from full queue")
	ErrDisconnected     = errors.New("session disconnected")
	ErrNotOpen          = errors.New("transport not open")
	ErrClosed           = errors.New("manager closed")
)

// TransportError reports an open, send or close failure on the channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op + " failed"
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a connect or per-request timeout.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// ProtocolError reports a malformed or unexpected inbound frame. The frame is
// dropped and session state is left untouched.
type ProtocolError struct {
	Reason string
	Frame  string
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s (frame %q)", e.Reason, truncate(e.Frame, 64))
}

// Recoverable reports whether err should drive the reconnection path.
func Recoverable(err error) bool {
	var te *TransportError
	var to *TimeoutError
	return errors.As(err, &te) || errors.As(err, &to)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut] + "..."
}
