package fsm

import "testing"

// expected is written out longhand so the table in fsm.go is checked against
// an independent listing.
var expected = map[Status]map[Event]Status{
	Idle: {
		EventInit:       Initializing,
		EventDisconnect: Idle,
	},
	Initializing: {
		EventDial:            Connecting,
		EventManualReconnect: Initializing,
		EventDisconnect:      Idle,
	},
	Connecting: {
		EventOpened:           Connected,
		EventOpenFailed:       Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Connected: {
		EventReady:            Ready,
		EventRecover:          Recovering,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Ready: {
		EventSubmit:           Preparing,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Preparing: {
		EventAccepted:         Processing,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Processing: {
		EventContent:           Streaming,
		EventTerminal:          Completed,
		EventFeedbackRequested: Suspended,
		EventConnectionLost:    Reconnecting,
		EventRetriesExhausted:  Failed,
		EventManualReconnect:   Initializing,
		EventDisconnect:        Idle,
	},
	Streaming: {
		EventContent:           Streaming,
		EventTerminal:          Completed,
		EventFeedbackRequested: Suspended,
		EventConnectionLost:    Reconnecting,
		EventRetriesExhausted:  Failed,
		EventManualReconnect:   Initializing,
		EventDisconnect:        Idle,
	},
	Completed: {
		EventKeepWarm:         Ready,
		EventRelease:          Idle,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Reconnecting: {
		EventDial:            Connecting,
		EventManualReconnect: Initializing,
		EventDisconnect:      Idle,
	},
	Recovering: {
		EventReady:            Ready,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Suspended: {
		EventFeedbackProvided: Processing,
		EventConnectionLost:   Reconnecting,
		EventRetriesExhausted: Failed,
		EventManualReconnect:  Initializing,
		EventDisconnect:       Idle,
	},
	Failed: {
		EventManualReconnect: Initializing,
		EventDisconnect:      Idle,
	},
}

func TestTransitionTable(t *testing.T) {
	for _, from := range Statuses {
		for _, ev := range Events {
			want, declared := expected[from][ev]
			m := &Machine{status: from}
			gotFrom, gotTo, ok := m.Fire(ev)

			if gotFrom != from {
				t.Fatalf("Fire(%s) from %s reported from=%s", ev, from, gotFrom)
			}
			if ok != declared {
				t.Errorf("%s --%s--> declared=%v, want %v", from, ev, ok, declared)
				continue
			}
			if !declared {
				if gotTo != from || m.Status() != from {
					t.Errorf("%s --%s--> undeclared pair changed status to %s", from, ev, m.Status())
				}
				continue
			}
			if gotTo != want || m.Status() != want {
				t.Errorf("%s --%s--> %s, want %s", from, ev, m.Status(), want)
			}
		}
	}
}

func TestDisconnectFromEveryStatus(t *testing.T) {
	for _, s := range Statuses {
		to, ok := Next(s, EventDisconnect)
		if !ok || to != Idle {
			t.Errorf("disconnect from %s = %s (%v), want idle", s, to, ok)
		}
	}
}

func TestHappyPath(t *testing.T) {
	m := New()
	steps := []struct {
		ev   Event
		want Status
	}{
		{EventInit, Initializing},
		{EventDial, Connecting},
		{EventOpened, Connected},
		{EventReady, Ready},
		{EventSubmit, Preparing},
		{EventAccepted, Processing},
		{EventContent, Streaming},
		{EventContent, Streaming},
		{EventFeedbackRequested, Suspended},
		{EventFeedbackProvided, Processing},
		{EventTerminal, Completed},
		{EventKeepWarm, Ready},
	}
	for i, s := range steps {
		if _, to, ok := m.Fire(s.ev); !ok || to != s.want {
			t.Fatalf("step %d: %s -> %s (%v), want %s", i, s.ev, to, ok, s.want)
		}
	}
}

func TestRejectedTransitionKeepsStatus(t *testing.T) {
	m := New()
	if _, _, ok := m.Fire(EventSubmit); ok {
		t.Fatal("submit from idle must be rejected")
	}
	if m.Status() != Idle {
		t.Fatalf("status = %s, want idle", m.Status())
	}
}
