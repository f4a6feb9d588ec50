package manager

import (
	"time"

	"github.com/stellarlinkco/researchlink/internal/clock"
	"github.com/stellarlinkco/researchlink/internal/failure"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/queue"
	"github.com/stellarlinkco/researchlink/internal/transport"
)

func (m *Manager) newRequest(kind queue.Kind, payload []byte, p queue.Priority, opts []RequestOption) *queue.Request {
	r := queue.NewRequest(kind, payload, p)
	r.MaxRetries = m.cfg.Retry.MaxRetries
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (m *Manager) enqueue(r *queue.Request, d *deferred) {
	if evicted := m.queue.Enqueue(r, m.sched.Now()); evicted != nil {
		m.logger.Warn().Str("id", evicted.ID).Str("kind", string(evicted.Kind)).
			Str("priority", evicted.Priority.String()).Msg("queue full, evicted request")
		d.fail(evicted, failure.ErrEvicted)
	}
	m.dirty = true
}

// outbound is an activated request bound to the channel it was meant for.
type outbound struct {
	conn  transport.Conn
	epoch uint64
	req   *queue.Request
}

// requeue puts an unanswered request back in line, failing whatever a full
// queue evicts to make room.
func (m *Manager) requeue(r *queue.Request, d *deferred) {
	if evicted := m.queue.Requeue(r); evicted != nil {
		m.logger.Warn().Str("id", evicted.ID).Str("kind", string(evicted.Kind)).Msg("queue full, evicted request")
		d.fail(evicted, failure.ErrEvicted)
	}
	m.dirty = true
}

// drain activates one batch and hands it to the outbox. Leftovers go out in
// a follow-up cycle so a long queue never monopolizes the lock.
func (m *Manager) drain(d *deferred) {
	if !m.open || m.conn == nil {
		return
	}
	stop(&m.drainTimer)
	batch := m.queue.NextBatch()
	for _, r := range batch {
		if r.Kind == queue.KindResearch || r.Kind == queue.KindChat {
			m.submit()
		}
		m.queue.Activate(r, m.sched.Now())
		m.outbox = append(m.outbox, outbound{conn: m.conn, epoch: m.epoch, req: r})
	}
	if len(batch) > 0 {
		d.flush = true
		m.dirty = true
	}
	if m.queue.Len() > 0 {
		gen := m.gen
		m.drainTimer = m.sched.AfterFunc(0, func() {
			m.do(func(d *deferred) error {
				if gen != m.gen {
					return nil
				}
				m.drainTimer = nil
				m.drain(d)
				return nil
			})
		})
	}
}

// flush writes the outbox in order without holding mu, so a slow channel
// never blocks readers of the session. One caller writes at a time; the
// others leave their messages to it.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.outbox) > 0 {
		ob := m.outbox[0]
		m.outbox[0] = outbound{}
		m.outbox = m.outbox[1:]
		m.mu.Unlock()

		err := ob.conn.Send(ob.req.Payload)
		m.apply(func(d *deferred) error {
			m.sent(ob, err, d)
			return nil
		})

		m.mu.Lock()
	}
	m.outbox = nil
	m.flushing = false
	m.mu.Unlock()
}

// sent applies the outcome of a write. A request that was abandoned or
// answered while the write was in flight is left alone.
func (m *Manager) sent(ob outbound, err error, d *deferred) {
	r := ob.req
	if ob.epoch != m.epoch || !m.queue.IsActive(r.ID) {
		return
	}
	if err != nil {
		m.logger.Warn().Str("error", m.scrub(err)).Str("kind", string(r.Kind)).Msg("send failed")
		if !failure.Recoverable(err) {
			m.queue.Complete(r.ID)
			d.fail(r, err)
			m.session.LastError = m.scrub(err)
			m.session.Loading = m.busy()
			m.dirty = true
			return
		}
		r.RetryCount++
		if r.RetryCount > r.MaxRetries {
			m.queue.Complete(r.ID)
			d.fail(r, err)
		} else {
			m.requeue(r, d)
		}
		m.connectionLost(err, d)
		return
	}
	m.dirty = true

	switch r.Kind {
	case queue.KindResearch, queue.KindChat:
		if m.machine.Status() == fsm.Preparing {
			m.fire(fsm.EventAccepted)
		}
		m.armRequestTimer(r, m.cfg.Queue.RequestTimeout.Std())
	case queue.KindPing:
		m.armRequestTimer(r, m.cfg.Heartbeat.Timeout.Std())
	case queue.KindHumanFeedback:
		m.complete(r, d)
		if m.fire(fsm.EventFeedbackProvided) {
			m.session.FeedbackPrompt = ""
			if active, ok := m.queue.OldestActive(queue.KindResearch, queue.KindChat); ok {
				m.armRequestTimer(active, m.cfg.Queue.RequestTimeout.Std())
			}
		}
	default:
		m.complete(r, d)
	}
}

// submit walks a warm or recovering session to preparing for new work.
func (m *Manager) submit() {
	switch m.machine.Status() {
	case fsm.Completed:
		m.fire(fsm.EventKeepWarm)
	case fsm.Connected, fsm.Recovering:
		m.fire(fsm.EventReady)
	}
	if m.machine.Status() == fsm.Ready {
		m.fire(fsm.EventSubmit)
	}
}

func (m *Manager) complete(r *queue.Request, d *deferred) {
	m.stopRequestTimer(r.ID)
	m.queue.Complete(r.ID)
	m.assessor.RecordSuccess(m.sched.Now())
	d.succeed(r)
}

// reqTimer is a request deadline. token identifies the arming, so a
// callback that fired just before a re-arm cannot expire the new deadline.
type reqTimer struct {
	clock.Timer
	token uint64
}

// armRequestTimer (re)starts the deadline of an active request.
func (m *Manager) armRequestTimer(r *queue.Request, after time.Duration) {
	m.stopRequestTimer(r.ID)
	m.reqSeq++
	id, token := r.ID, m.reqSeq
	t := m.sched.AfterFunc(after, func() {
		m.do(func(d *deferred) error {
			if cur, ok := m.reqTimers[id]; !ok || cur.token != token {
				return nil
			}
			m.requestTimedOut(id, after, d)
			return nil
		})
	})
	m.reqTimers[id] = reqTimer{Timer: t, token: token}
}

func (m *Manager) stopRequestTimer(id string) {
	if t, ok := m.reqTimers[id]; ok {
		t.Stop()
		delete(m.reqTimers, id)
	}
}

func (m *Manager) requestTimedOut(id string, after time.Duration, d *deferred) {
	delete(m.reqTimers, id)
	r, ok := m.queue.Complete(id)
	if !ok {
		return
	}
	err := &failure.TimeoutError{Op: string(r.Kind) + " request", After: after}
	d.fail(r, err)
	m.logger.Warn().Str("id", r.ID).Str("kind", string(r.Kind)).Dur("after", after).Msg("request timed out")

	if r.Kind == queue.KindPing {
		m.connectionLost(&failure.TimeoutError{Op: "heartbeat", After: after}, d)
		return
	}
	m.assessor.RecordFailure(m.sched.Now())
	m.session.LastError = m.scrub(err)
	m.session.Loading = m.busy()
	m.dirty = true
}

// busy reports whether research or chat work is queued or awaiting a reply.
func (m *Manager) busy() bool {
	if m.queue.HasQueued(queue.KindResearch, queue.KindChat) {
		return true
	}
	_, ok := m.queue.OldestActive(queue.KindResearch, queue.KindChat)
	return ok
}
