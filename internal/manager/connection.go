package manager

import (
	"fmt"

	"github.com/stellarlinkco/researchlink/internal/clock"
	"github.com/stellarlinkco/researchlink/internal/failure"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/protocol"
	"github.com/stellarlinkco/researchlink/internal/queue"
	"github.com/stellarlinkco/researchlink/internal/router"
	"github.com/stellarlinkco/researchlink/internal/transport"
)

// handler binds transport events to the dial that produced them. Events from
// an older dial carry a stale epoch and are ignored.
type handler struct {
	m     *Manager
	epoch uint64
}

func (h *handler) OnOpen() {
	h.m.event(h.epoch, func(d *deferred) { h.m.handleOpen(d) })
}

func (h *handler) OnMessage(data []byte) {
	h.m.event(h.epoch, func(d *deferred) { h.m.handleMessage(data, d) })
}

func (h *handler) OnClose(code int, reason string) {
	h.m.event(h.epoch, func(d *deferred) { h.m.handleClose(code, reason, d) })
}

func (h *handler) OnError(err error) {
	h.m.event(h.epoch, func(*deferred) {
		h.m.transportErr = err
		h.m.session.LastError = h.m.scrub(err)
		h.m.dirty = true
		h.m.logger.Warn().Str("error", h.m.session.LastError).Msg("transport error")
	})
}

func (m *Manager) event(epoch uint64, fn func(d *deferred)) {
	m.do(func(d *deferred) error {
		if epoch != m.epoch || m.conn == nil {
			return nil
		}
		fn(d)
		return nil
	})
}

// dial opens a new channel from initializing or reconnecting.
func (m *Manager) dial() {
	if !m.fire(fsm.EventDial) {
		return
	}
	m.epoch++
	epoch := m.epoch
	m.transportErr = nil
	m.logger.Info().Str("url", m.cfg.ServerURL).Int("attempt", m.retry.Attempts()).Msg("connecting")
	m.conn = m.dialer.Dial(m.cfg.ServerURL, &handler{m: m, epoch: epoch})
	m.connectTimer = m.sched.AfterFunc(m.cfg.ConnectionTimeout.Std(), func() {
		m.event(epoch, func(d *deferred) {
			if m.machine.Status() != fsm.Connecting {
				return
			}
			m.connectionLost(&failure.TimeoutError{Op: "connect", After: m.cfg.ConnectionTimeout.Std()}, d)
		})
	})
}

func (m *Manager) handleOpen(d *deferred) {
	if m.machine.Status() != fsm.Connecting {
		return
	}
	stop(&m.connectTimer)
	recovered := m.retry.Attempts() > 0
	m.retry.Success()
	m.open = true
	m.fire(fsm.EventOpened)
	m.session.ConnectedAt = m.sched.Now()
	m.session.RetryCount = 0
	m.session.LastActivity = m.sched.Now()
	m.startPeriodic()
	m.logger.Info().Bool("recovered", recovered).Msg("channel open")

	if recovered {
		m.fire(fsm.EventRecover)
		m.drain(d)
		// queued work submitted by drain has already moved us on
		if m.machine.Status() == fsm.Recovering {
			m.fire(fsm.EventReady)
		}
		return
	}
	m.fire(fsm.EventReady)
	m.drain(d)
}

// handleMessage applies one inbound frame. Pongs only feed the latency
// metrics; they are not session activity.
func (m *Manager) handleMessage(data []byte, d *deferred) {
	eff := router.Route(data)
	switch eff.Kind {
	case router.Drop:
		m.logger.Warn().Str("error", m.scrub(eff.Err)).Msg("dropped inbound frame")
		return
	case router.Pong:
		m.handlePong(d)
		return
	}
	m.session.LastActivity = m.sched.Now()
	m.dirty = true
	if m.machine.Status() == fsm.Preparing {
		m.fire(fsm.EventAccepted)
	}

	switch {
	case eff.Content():
		m.fire(fsm.EventContent)
		if eff.Kind == router.Progress {
			m.session.CurrentTask = eff.Task
		} else {
			m.session.Answer += eff.Text
		}
		m.session.Progress = eff.Advance(m.session.Progress)
		if r, ok := m.queue.OldestActive(queue.KindResearch, queue.KindChat); ok {
			m.armRequestTimer(r, m.cfg.Queue.RequestTimeout.Std())
		}
	case eff.Kind == router.Terminal:
		m.fire(fsm.EventTerminal)
		m.session.Progress = eff.Advance(m.session.Progress)
		kinds := []queue.Kind{queue.KindResearch, queue.KindChat}
		if eff.FrameType == protocol.TypeChat {
			m.session.ChatReply = eff.Text
			kinds = []queue.Kind{queue.KindChat, queue.KindResearch}
		} else {
			m.session.ReportPath = eff.Text
		}
		if r, ok := m.queue.OldestActive(kinds...); ok {
			m.complete(r, d)
		}
		m.session.Loading = m.busy()
	case eff.Kind == router.Suspend:
		m.fire(fsm.EventFeedbackRequested)
		m.session.FeedbackPrompt = eff.Text
		if r, ok := m.queue.OldestActive(queue.KindResearch, queue.KindChat); ok {
			m.stopRequestTimer(r.ID)
		}
		if m.onHuman != nil {
			prompt, cb := eff.Text, m.onHuman
			d.add(func() { cb(prompt) })
		}
	}
}

func (m *Manager) handlePong(d *deferred) {
	r, ok := m.queue.OldestActive(queue.KindPing)
	if !ok {
		m.logger.Debug().Msg("unsolicited pong")
		return
	}
	latency := m.sched.Now().Sub(r.SentAt)
	m.stopRequestTimer(r.ID)
	m.queue.Complete(r.ID)
	m.assessor.RecordLatency(latency, m.sched.Now())
	d.succeed(r)
	m.logger.Debug().Dur("latency", latency).Msg("heartbeat")
}

func (m *Manager) handleClose(code int, reason string, d *deferred) {
	m.open = false
	m.conn = nil
	m.epoch++
	status := m.machine.Status()
	if code == transport.StatusNormalClosure && status == fsm.Completed && m.queue.Status().Total == 0 {
		m.stopTimers()
		m.fire(fsm.EventRelease)
		m.logger.Info().Msg("channel released after completed task")
		return
	}
	var cause error = &failure.TransportError{Op: "close", Err: fmt.Errorf("code %d %s", code, reason)}
	if m.transportErr != nil {
		cause = m.transportErr
		m.transportErr = nil
	}
	m.connectionLost(cause, d)
}

// connectionLost is the single failure path for open errors, unexpected
// closes, send errors and timeouts. Active requests are abandoned; queued
// ones wait for the next open.
func (m *Manager) connectionLost(cause error, d *deferred) {
	m.stopTimers()
	m.closeConn(transport.StatusGoingAway, "connection lost", d)
	m.abandonActive(cause, d)
	m.assessor.RecordFailure(m.sched.Now())
	m.session.LastError = m.scrub(cause)
	m.session.Loading = m.busy()
	m.dirty = true

	delay := m.retry.Failure()
	if m.retry.Exhausted() {
		m.fire(fsm.EventRetriesExhausted)
		m.session.RetryCount = m.retry.Policy().MaxRetries
		m.logger.Error().Str("error", m.session.LastError).Int("attempts", m.retry.Policy().MaxRetries).
			Msg(failure.ErrExhaustedRetries.Error())
		return
	}

	if m.machine.Status() == fsm.Connecting {
		m.fire(fsm.EventOpenFailed)
	} else {
		m.fire(fsm.EventConnectionLost)
	}
	m.session.RetryCount = m.retry.Attempts()
	m.session.TotalRetries++
	gen := m.gen
	m.retryTimer = m.sched.AfterFunc(delay, func() {
		m.do(func(*deferred) error {
			if gen != m.gen || m.machine.Status() != fsm.Reconnecting {
				return nil
			}
			m.retryTimer = nil
			m.dial()
			return nil
		})
	})
	m.logger.Info().Dur("delay", delay).Int("attempt", m.retry.Attempts()).Int("total", m.retry.Total()).
		Str("error", m.session.LastError).Msg("reconnect scheduled")
}

// abandonActive fails every in-flight request. A pending feedback prompt
// belonged to the abandoned task and is withdrawn with it.
func (m *Manager) abandonActive(cause error, d *deferred) {
	for _, r := range m.queue.AbandonActive() {
		m.stopRequestTimer(r.ID)
		d.fail(r, cause)
	}
	if m.session.FeedbackPrompt != "" {
		m.session.FeedbackPrompt = ""
		m.dirty = true
	}
}

// closeConn releases the current channel; its late events become stale.
// Requests still in the outbox were never written and go back to the queue.
func (m *Manager) closeConn(code int, reason string, d *deferred) {
	m.open = false
	for _, ob := range m.outbox {
		m.requeue(ob.req, d)
	}
	m.outbox = nil
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(code, reason); err != nil {
		m.logger.Debug().Str("error", m.scrub(err)).Msg("close channel")
	}
	m.conn = nil
	m.epoch++
}

// startPeriodic arms the heartbeat and health-check jobs for an open channel.
func (m *Manager) startPeriodic() {
	gen := m.gen
	m.heartbeat = m.sched.Every(m.cfg.Heartbeat.Interval.Std(), func() {
		m.do(func(d *deferred) error {
			if gen != m.gen || !m.open {
				return nil
			}
			m.sendHeartbeat(d)
			return nil
		})
	})
	m.healthCheck = m.sched.Every(m.cfg.Heartbeat.HealthCheckInterval.Std(), func() {
		m.do(func(d *deferred) error {
			if gen != m.gen || !m.open {
				return nil
			}
			if m.machine.Status() == fsm.Connected {
				m.fire(fsm.EventReady)
			}
			m.drain(d)
			return nil
		})
	})
}

func (m *Manager) sendHeartbeat(d *deferred) {
	if _, ok := m.queue.OldestActive(queue.KindPing); ok || m.queue.HasQueued(queue.KindPing) {
		return
	}
	r := m.newRequest(queue.KindPing, []byte("ping"), queue.PriorityCritical, nil)
	m.enqueue(r, d)
	m.drain(d)
}

// stopTimers cancels every owned timer. Callbacks already waiting on the
// lock see a new generation and do nothing.
func (m *Manager) stopTimers() {
	m.gen++
	stop(&m.connectTimer)
	stop(&m.retryTimer)
	stop(&m.drainTimer)
	stop(&m.heartbeat)
	stop(&m.healthCheck)
	for id, t := range m.reqTimers {
		t.Stop()
		delete(m.reqTimers, id)
	}
}

func stop(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
