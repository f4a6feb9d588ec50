package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/researchlink/internal/failure"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20
)

// WebSocket dials channels with coder/websocket.
type WebSocket struct {
	Logger       zerolog.Logger
	WriteTimeout time.Duration
	ReadLimit    int64
}

func NewWebSocket(logger zerolog.Logger) *WebSocket {
	return &WebSocket{
		Logger:       logger.With().Str("component", "transport").Logger(),
		WriteTimeout: defaultWriteTimeout,
		ReadLimit:    defaultReadLimit,
	}
}

func (w *WebSocket) Dial(url string, h Handler) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		owner:  w,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
	}
	go c.run(url)
	return c
}

type wsConn struct {
	owner  *WebSocket
	h      Handler
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

func (c *wsConn) run(url string) {
	conn, _, err := websocket.Dial(c.ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		c.h.OnError(&failure.TransportError{Op: "open", Err: err})
		c.h.OnClose(StatusAbnormalClosure, "dial failed")
		return
	}
	readLimit := c.owner.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.CloseNow()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.owner.Logger.Debug().Msg("channel open")
	c.h.OnOpen()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return
			}
			code := int(websocket.CloseStatus(err))
			reason := "read failed"
			if code < 0 {
				code = StatusAbnormalClosure
				c.h.OnError(&failure.TransportError{Op: "read", Err: err})
			} else {
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					reason = ce.Reason
				}
			}
			c.h.OnClose(code, reason)
			conn.CloseNow()
			return
		}
		c.h.OnMessage(data)
	}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()
	if conn == nil || closing {
		return &failure.TransportError{Op: "send", Err: failure.ErrNotOpen}
	}

	timeout := c.owner.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &failure.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close performs a closing handshake when the channel is open and cancels a
// pending dial otherwise. It is safe to call more than once.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.cancel()
		return nil
	}
	// Close blocks for the handshake; the read loop sees closing and exits.
	go func() {
		if err := conn.Close(websocket.StatusCode(code), reason); err != nil {
			c.owner.Logger.Debug().Err(err).Msg("close handshake incomplete")
		}
		c.cancel()
	}()
	return nil
}
