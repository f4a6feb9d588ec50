// Package manager keeps one research session alive over one duplex channel.
// It owns the transport handle, every timer, the request queue, the quality
// metrics and the session state; all of it is mutated under a single lock and
// user callbacks run only after that lock is released.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/researchlink/internal/clock"
	"github.com/stellarlinkco/researchlink/internal/config"
	"github.com/stellarlinkco/researchlink/internal/failure"
	"github.com/stellarlinkco/researchlink/internal/feedback"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/protocol"
	"github.com/stellarlinkco/researchlink/internal/quality"
	"github.com/stellarlinkco/researchlink/internal/queue"
	"github.com/stellarlinkco/researchlink/internal/retry"
	"github.com/stellarlinkco/researchlink/internal/sanitize"
	"github.com/stellarlinkco/researchlink/internal/settings"
	"github.com/stellarlinkco/researchlink/internal/transport"
)

var (
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrNoFeedbackPending = errors.New("no human feedback requested")
)

const settingsLoadTimeout = 5 * time.Second

// Options wires a Manager. Config and Dialer are required.
type Options struct {
	Config    *config.Config
	Dialer    transport.Dialer
	Scheduler clock.Scheduler
	Settings  settings.Store
	Logger    zerolog.Logger

	// OnHumanFeedback receives the prompt of a human_feedback request.
	OnHumanFeedback func(prompt string)
}

// RequestOption customizes a queued request.
type RequestOption func(*queue.Request)

func WithPriority(p queue.Priority) RequestOption {
	return func(r *queue.Request) { r.Priority = p }
}

func WithOnSuccess(fn func(*queue.Request)) RequestOption {
	return func(r *queue.Request) { r.OnSuccess = fn }
}

func WithOnFailure(fn func(*queue.Request, error)) RequestOption {
	return func(r *queue.Request) { r.OnFailure = fn }
}

func WithMetadata(key, value string) RequestOption {
	return func(r *queue.Request) {
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		r.Metadata[key] = value
	}
}

type Manager struct {
	cfg      *config.Config
	dialer   transport.Dialer
	sched    clock.Scheduler
	ownSched *clock.System
	store    settings.Store
	logger   zerolog.Logger
	onHuman  func(string)

	mu       sync.Mutex
	machine  *fsm.Machine
	retry    *retry.Controller
	queue    *queue.Queue
	assessor *quality.Assessor
	policy   feedback.Policy
	session  Session
	stored   settings.Settings

	conn         transport.Conn
	open         bool
	epoch        uint64
	transportErr error

	connectTimer clock.Timer
	retryTimer   clock.Timer
	drainTimer   clock.Timer
	heartbeat    clock.Timer
	healthCheck  clock.Timer
	reqTimers    map[string]reqTimer
	reqSeq       uint64
	gen          uint64

	// outbox holds activated requests waiting to be written. flush owns
	// the writes and performs them without holding mu.
	outbox   []outbound
	flushing bool

	subs    map[int]func(Session)
	nextSub int
	dirty   bool
	closed  bool
}

func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("manager: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	if opts.Dialer == nil {
		return nil, errors.New("manager: dialer is required")
	}
	cfg := opts.Config
	var own *clock.System
	sched := opts.Scheduler
	if sched == nil {
		own = clock.NewSystem(opts.Logger)
		sched = own
	}
	store := opts.Settings
	if store == nil {
		store = settings.Open(cfg.SettingsPath)
	}

	m := &Manager{
		cfg:      cfg,
		dialer:   opts.Dialer,
		sched:    sched,
		ownSched: own,
		store:    store,
		logger:   opts.Logger.With().Str("component", "manager").Logger(),
		onHuman:  opts.OnHumanFeedback,
		machine:  fsm.New(),
		retry: retry.New(retry.Policy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
			Factor:      cfg.Retry.BackoffFactor,
			JitterRange: cfg.Retry.JitterRange,
		}),
		queue: queue.New(cfg.Queue.MaxQueueSize, cfg.Queue.BatchSize, queue.Weights{
			Critical: cfg.Queue.PriorityWeights.Critical,
			High:     cfg.Queue.PriorityWeights.High,
			Normal:   cfg.Queue.PriorityWeights.Normal,
			Low:      cfg.Queue.PriorityWeights.Low,
		}),
		assessor: quality.NewAssessor(quality.Thresholds{
			Excellent: cfg.Quality.LatencyThresholds.Excellent.Std(),
			Good:      cfg.Quality.LatencyThresholds.Good.Std(),
			Fair:      cfg.Quality.LatencyThresholds.Fair.Std(),
			Poor:      cfg.Quality.LatencyThresholds.Poor.Std(),
		}, cfg.Quality.MaxAcceptableDeviation.Std()),
		policy: feedback.Policy{
			SilentRetryThreshold: cfg.Feedback.SilentRetryThreshold,
			AutoHideDelay:        cfg.Feedback.AutoHideDelay.Std(),
			Detailed:             cfg.Feedback.Detailed,
		},
		reqTimers: make(map[string]reqTimer),
		subs:      make(map[int]func(Session)),
	}
	m.session = idleSession(sched.Now())
	return m, nil
}

// StartResearch queues a research task and opens the channel if needed.
// Explicit settings override the stored defaults. It returns the request ID.
func (m *Manager) StartResearch(prompt string, s settings.Settings, opts ...RequestOption) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	pre := m.preload()
	var id string
	err := m.do(func(d *deferred) error {
		if m.closed {
			return failure.ErrClosed
		}
		m.ensureInit(pre)
		merged := m.stored.Merge(s).WithDefaults()
		payload, err := protocol.EncodeStart(protocol.StartPayload{
			Task:         prompt,
			ReportType:   merged.ReportType,
			ReportSource: merged.ReportSource,
			Tone:         merged.Tone,
			QueryDomains: merged.QueryDomains,
			SourceURLs:   merged.SourceURLs,
			MCPStrategy:  merged.MCPStrategy,
		}, merged.MCPConfigs)
		if err != nil {
			return err
		}
		r := m.newRequest(queue.KindResearch, payload, queue.PriorityHigh, opts)
		m.session.beginResearch()
		m.dirty = true
		m.enqueue(r, d)
		m.kick(d)
		id = r.ID
		return nil
	})
	return id, err
}

// SendChatMessage queues a follow-up chat message on the same session.
func (m *Manager) SendChatMessage(text string, opts ...RequestOption) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	payload, err := protocol.EncodeChat(text)
	if err != nil {
		return "", err
	}
	pre := m.preload()
	var id string
	err = m.do(func(d *deferred) error {
		if m.closed {
			return failure.ErrClosed
		}
		m.ensureInit(pre)
		r := m.newRequest(queue.KindChat, payload, queue.PriorityNormal, opts)
		m.session.ChatReply = ""
		m.session.Loading = true
		m.dirty = true
		m.enqueue(r, d)
		m.kick(d)
		id = r.ID
		return nil
	})
	return id, err
}

// ProvideFeedback answers a pending human_feedback request and resumes the
// task.
func (m *Manager) ProvideFeedback(text string, opts ...RequestOption) (string, error) {
	payload, err := protocol.EncodeHumanFeedback(text)
	if err != nil {
		return "", err
	}
	var id string
	err = m.do(func(d *deferred) error {
		if m.closed {
			return failure.ErrClosed
		}
		if m.machine.Status() != fsm.Suspended || m.queue.HasQueued(queue.KindHumanFeedback) {
			return ErrNoFeedbackPending
		}
		r := m.newRequest(queue.KindHumanFeedback, payload, queue.PriorityCritical, opts)
		m.enqueue(r, d)
		m.drain(d)
		id = r.ID
		return nil
	})
	return id, err
}

// Connect opens the channel without submitting a request. It is a no-op
// unless the session is idle.
func (m *Manager) Connect() error {
	pre := m.preload()
	return m.do(func(d *deferred) error {
		if m.closed {
			return failure.ErrClosed
		}
		m.ensureInit(pre)
		m.kick(d)
		return nil
	})
}

// Disconnect tears the session down: timers are canceled, queued and active
// requests fail with ErrDisconnected, the channel is closed normally and the
// session returns to idle. Calling it again is harmless.
func (m *Manager) Disconnect() {
	m.do(func(d *deferred) error {
		m.teardown(d)
		return nil
	})
}

// Close disconnects and rejects every later request. A scheduler created
// by New is stopped; an injected one is left to its owner.
func (m *Manager) Close() {
	m.do(func(d *deferred) error {
		m.teardown(d)
		m.closed = true
		return nil
	})
	if m.ownSched != nil {
		m.ownSched.Stop()
	}
}

func (m *Manager) teardown(d *deferred) {
	m.stopTimers()
	m.closeConn(transport.StatusNormalClosure, "client disconnect", d)
	queued, active := m.queue.Clear()
	for _, r := range append(queued, active...) {
		d.fail(r, failure.ErrDisconnected)
	}
	m.retry.Reset()
	m.assessor.Reset()
	m.fire(fsm.EventDisconnect)
	m.session = idleSession(m.sched.Now())
	m.dirty = true
}

// Reconnect is the manual recovery path: it drops the current channel,
// resets the retry counter and dials again. Queued requests are kept.
func (m *Manager) Reconnect() error {
	pre := m.loadSettings()
	return m.do(func(d *deferred) error {
		if m.closed {
			return failure.ErrClosed
		}
		m.stopTimers()
		m.closeConn(transport.StatusNormalClosure, "manual reconnect", d)
		m.abandonActive(failure.ErrDisconnected, d)
		m.retry.Reset()
		m.session.RetryCount = 0
		m.session.LastError = ""

		if m.machine.Status() == fsm.Idle {
			m.fire(fsm.EventInit)
		} else {
			m.fire(fsm.EventManualReconnect)
		}
		m.useSettings(pre)
		m.logger.Info().Msg("manual reconnect")
		m.dial()
		return nil
	})
}

// StatusMessage is the user-facing summary of the current state.
func (m *Manager) StatusMessage() feedback.Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedbackLocked()
}

func (m *Manager) ConnectionQuality() quality.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assessor.Quality()
}

func (m *Manager) QueueStatus() queue.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Status()
}

func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs outside the manager lock and may call back into the manager.
func (m *Manager) Subscribe(fn func(Session)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) snapshotLocked() Session {
	s := m.session
	s.Status = m.machine.Status()
	s.Quality = m.assessor.Quality()
	st := m.queue.Status()
	s.QueuedRequests = st.Queued
	s.RequestsInFlight = st.Active
	if m.open && !s.ConnectedAt.IsZero() {
		s.Uptime = m.sched.Now().Sub(s.ConnectedAt)
	}
	_, pinging := m.queue.OldestActive(queue.KindPing)
	s.BackgroundActivity = pinging || s.Status == fsm.Reconnecting || s.Status == fsm.Recovering
	s.FeedbackLevel = m.feedbackLocked().Level
	return s
}

func (m *Manager) feedbackLocked() feedback.Feedback {
	in := m.session.feedbackInput(m.cfg.Retry.MaxRetries, m.assessor.Quality())
	in.Status = m.machine.Status()
	return m.policy.Evaluate(in, m.sched.Now())
}

// deferred collects callbacks that must run after the lock is released.
// flush is set when the outbox gained messages.
type deferred struct {
	fns   []func()
	flush bool
}

func (d *deferred) add(fn func()) { d.fns = append(d.fns, fn) }

func (d *deferred) fail(r *queue.Request, err error) {
	if r.OnFailure != nil {
		d.add(func() { r.OnFailure(r, err) })
	}
}

func (d *deferred) succeed(r *queue.Request) {
	if r.OnSuccess != nil {
		d.add(func() { r.OnSuccess(r) })
	}
}

// do runs fn under the lock, then runs deferred callbacks, notifies
// subscribers if state changed and writes anything fn put in the outbox.
func (m *Manager) do(fn func(d *deferred) error) error {
	d, err := m.apply(fn)
	if d.flush {
		m.flush()
	}
	return err
}

func (m *Manager) apply(fn func(d *deferred) error) (deferred, error) {
	var d deferred
	m.mu.Lock()
	m.dirty = false
	err := fn(&d)
	var (
		snap Session
		subs []func(Session)
	)
	if m.dirty {
		snap = m.snapshotLocked()
		for _, s := range m.subs {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, f := range d.fns {
		f()
	}
	for _, s := range subs {
		s(snap)
	}
	return d, err
}

// fire applies ev and records the new status. Rejected transitions are
// logged and leave the session untouched.
func (m *Manager) fire(ev fsm.Event) bool {
	from, to, ok := m.machine.Fire(ev)
	if !ok {
		m.logger.Debug().Str("status", string(from)).Str("event", string(ev)).Msg("transition rejected")
		return false
	}
	if from != to {
		m.session.StatusSince = m.sched.Now()
		m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("event", string(ev)).Msg("transition")
	}
	m.session.Status = to
	m.dirty = true
	return true
}

// ensureInit moves an idle session to initializing and adopts the stored
// settings read by preload.
func (m *Manager) ensureInit(pre loaded) {
	if m.machine.Status() != fsm.Idle {
		return
	}
	m.fire(fsm.EventInit)
	m.useSettings(pre)
}

// kick dials from initializing, or drains when the channel is already open.
func (m *Manager) kick(d *deferred) {
	switch m.machine.Status() {
	case fsm.Initializing:
		m.dial()
	default:
		if m.open {
			m.drain(d)
		}
	}
}

// loaded is a settings read taken before the lock. A failed read leaves
// the previous settings in place.
type loaded struct {
	s  settings.Settings
	ok bool
}

// preload reads the store only when the session is idle and about to
// initialize.
func (m *Manager) preload() loaded {
	m.mu.Lock()
	idle := m.machine.Status() == fsm.Idle
	m.mu.Unlock()
	if !idle {
		return loaded{}
	}
	return m.loadSettings()
}

// loadSettings must be called without holding mu.
func (m *Manager) loadSettings() loaded {
	ctx, cancel := context.WithTimeout(context.Background(), settingsLoadTimeout)
	defer cancel()
	s, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn().Str("error", m.scrub(err)).Msg("settings store unavailable, using defaults")
		return loaded{}
	}
	return loaded{s: s, ok: true}
}

func (m *Manager) useSettings(l loaded) {
	if l.ok {
		m.stored = l.s
	}
}

func (m *Manager) scrub(err error) string {
	if err == nil {
		return ""
	}
	if m.cfg.SanitizeErrors {
		return sanitize.Error(err)
	}
	return err.Error()
}
