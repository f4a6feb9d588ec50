// Package fsm declares the connection lifecycle: its statuses, the events
// that drive it and the only transitions the manager may take.
package fsm

type Status string

const (
	Idle         Status = "idle"
	Initializing Status = "initializing"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Ready        Status = "ready"
	Preparing    Status = "preparing"
	Processing   Status = "processing"
	Streaming    Status = "streaming"
	Completed    Status = "completed"
	Reconnecting Status = "reconnecting"
	Recovering   Status = "recovering"
	Suspended    Status = "suspended"
	Failed       Status = "failed"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	Idle, Initializing, Connecting, Connected, Ready, Preparing, Processing,
	Streaming, Completed, Reconnecting, Recovering, Suspended, Failed,
}

type Event string

const (
	EventInit              Event = "init"
	EventDial              Event = "dial"
	EventOpened            Event = "opened"
	EventOpenFailed        Event = "open_failed"
	EventRecover           Event = "recover"
	EventReady             Event = "ready"
	EventSubmit            Event = "submit"
	EventAccepted          Event = "accepted"
	EventContent           Event = "content"
	EventTerminal          Event = "terminal"
	EventConnectionLost    Event = "connection_lost"
	EventRetriesExhausted  Event = "retries_exhausted"
	EventFeedbackRequested Event = "feedback_requested"
	EventFeedbackProvided  Event = "feedback_provided"
	EventKeepWarm          Event = "keep_warm"
	EventRelease           Event = "release"
	EventManualReconnect   Event = "manual_reconnect"
	EventDisconnect        Event = "disconnect"
)

// Events lists every event in declaration order.
var Events = []Event{
	EventInit, EventDial, EventOpened, EventOpenFailed, EventRecover, EventReady,
	EventSubmit, EventAccepted, EventContent, EventTerminal, EventConnectionLost,
	EventRetriesExhausted, EventFeedbackRequested, EventFeedbackProvided,
	EventKeepWarm, EventRelease, EventManualReconnect, EventDisconnect,
}

type key struct {
	from Status
	ev   Event
}

// active statuses hold an open channel; losing it sends the machine to
// reconnecting or failed.
var active = []Status{Connected, Ready, Preparing, Processing, Streaming, Completed, Recovering, Suspended}

var table = func() map[key]Status {
	t := map[key]Status{
		{Idle, EventInit}:                       Initializing,
		{Initializing, EventDial}:               Connecting,
		{Reconnecting, EventDial}:               Connecting,
		{Connecting, EventOpened}:               Connected,
		{Connecting, EventOpenFailed}:           Reconnecting,
		{Connecting, EventRetriesExhausted}:     Failed,
		{Connected, EventReady}:                 Ready,
		{Connected, EventRecover}:               Recovering,
		{Recovering, EventReady}:                Ready,
		{Ready, EventSubmit}:                    Preparing,
		{Preparing, EventAccepted}:              Processing,
		{Processing, EventContent}:              Streaming,
		{Streaming, EventContent}:               Streaming,
		{Processing, EventTerminal}:             Completed,
		{Streaming, EventTerminal}:              Completed,
		{Processing, EventFeedbackRequested}:    Suspended,
		{Streaming, EventFeedbackRequested}:     Suspended,
		{Suspended, EventFeedbackProvided}:      Processing,
		{Completed, EventKeepWarm}:              Ready,
		{Completed, EventRelease}:               Idle,
		{Failed, EventManualReconnect}:          Initializing,
		{Reconnecting, EventManualReconnect}:    Initializing,
		{Connecting, EventManualReconnect}:      Initializing,
		{Initializing, EventManualReconnect}:    Initializing,
	}
	for _, s := range active {
		t[key{s, EventConnectionLost}] = Reconnecting
		t[key{s, EventRetriesExhausted}] = Failed
		t[key{s, EventManualReconnect}] = Initializing
	}
	for _, s := range Statuses {
		t[key{s, EventDisconnect}] = Idle
	}
	return t
}()

// Next returns the target of (from, ev) and whether the pair is declared.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := table[key{from, ev}]
	return to, ok
}

// Machine holds the current status and applies only declared transitions.
type Machine struct {
	status Status
}

func New() *Machine { return &Machine{status: Idle} }

func (m *Machine) Status() Status { return m.status }

// Fire applies ev. Undeclared pairs leave the status unchanged and report
// false.
func (m *Machine) Fire(ev Event) (from, to Status, ok bool) {
	from = m.status
	to, ok = Next(from, ev)
	if !ok {
		return from, from, false
	}
	m.status = to
	return from, to, true
}
