package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/researchlink/internal/clock"
	"github.com/stellarlinkco/researchlink/internal/config"
	"github.com/stellarlinkco/researchlink/internal/failure"
	"github.com/stellarlinkco/researchlink/internal/settings"
	"github.com/stellarlinkco/researchlink/internal/transport"
)

// fakeDialer hands out fakeConns whose events are delivered from the test
// goroutine, so every transition happens at a point the test chooses.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeDialer) Dial(url string, h transport.Handler) transport.Conn {
	c := &fakeConn{h: h, url: url}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		t.Fatal("no dial happened")
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	h   transport.Handler
	url string

	mu        sync.Mutex
	sent      []string
	sendErr   error
	rejectErr error
	closed    bool
	closeCode int
	gate      chan struct{}
	entered   chan struct{}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return &failure.TransportError{Op: "send", Err: c.sendErr}
	}
	if c.rejectErr != nil {
		return c.rejectErr
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) open()             { c.h.OnOpen() }
func (c *fakeConn) recv(frame string) { c.h.OnMessage([]byte(frame)) }
func (c *fakeConn) drop(code int)     { c.h.OnClose(code, "gone") }

// fail reports a refused open the way the websocket dialer does.
func (c *fakeConn) fail() {
	c.h.OnError(&failure.TransportError{Op: "open", Err: errors.New("dial tcp 10.0.0.7:8000: connection refused")})
	c.h.OnClose(transport.StatusAbnormalClosure, "")
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// hold makes sends block until release is called. entered receives once a
// send is waiting.
func (c *fakeConn) hold() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 1)
	c.mu.Lock()
	c.gate, c.entered = gate, in
	c.mu.Unlock()
	return in, func() {
		c.mu.Lock()
		c.gate = nil
		c.mu.Unlock()
		close(gate)
	}
}

// rejectSends makes sends fail with err as is, like a payload the channel
// refuses while staying healthy.
func (c *fakeConn) rejectSends(err error) {
	c.mu.Lock()
	c.rejectErr = err
	c.mu.Unlock()
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// stickyClock hands out one-shot timers that cannot be canceled: Stop
// reports success but the callback still runs, like a timer that fired just
// before it was stopped and is waiting on the manager lock.
type stickyClock struct {
	*clock.Fake
}

func (s stickyClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	s.Fake.AfterFunc(d, fn)
	return stuckTimer{}
}

type stuckTimer struct{}

func (stuckTimer) Stop() bool { return true }

// gatedStore blocks Load until release is closed.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	s       settings.Settings
}

func (g *gatedStore) Load(ctx context.Context) (settings.Settings, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return g.s, nil
	case <-ctx.Done():
		return settings.Settings{}, ctx.Err()
	}
}

type harness struct {
	m      *Manager
	clk    *clock.Fake
	dialer *fakeDialer
	cfg    *config.Config
}

var epoch0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// newHarness builds a manager with no jitter and a fake scheduler. The
// heartbeat is pushed out of the way unless a test opts back in.
func newHarness(t *testing.T, mutate func(*config.Config), opts ...func(*Options)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retry.JitterRange = 0
	cfg.Heartbeat.Interval = config.Duration(time.Hour)
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{clk: clock.NewFake(epoch0), dialer: &fakeDialer{}, cfg: cfg}
	o := Options{
		Config:    cfg,
		Dialer:    h.dialer,
		Scheduler: h.clk,
		Settings:  settings.Static{},
		Logger:    zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	h.m = m
	return h
}

// connected dials and opens the first channel.
func (h *harness) connected(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := h.dialer.last(t)
	c.open()
	return c
}
