// Package transport adapts one duplex channel to the research service into
// open/message/close/error events.
package transport

// Close codes used by the manager.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
)

// Handler receives channel events. Implementations must not block; the
// manager only enqueues work from these callbacks.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

// Conn is a handle to one channel. Open happens asynchronously after Dial and
// is reported through Handler.OnOpen; a failed open is reported through
// OnError followed by OnClose.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens channels.
type Dialer interface {
	Dial(url string, h Handler) Conn
}
