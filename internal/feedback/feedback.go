// Package feedback decides how much connection detail a user sees.
package feedback

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/quality"
)

type Level int

const (
	None Level = iota
	Minimal
	Contextual
	Detailed
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Minimal:
		return "minimal"
	case Contextual:
		return "contextual"
	case Detailed:
		return "detailed"
	default:
		return "unknown"
	}
}

// Policy holds the verbosity knobs.
type Policy struct {
	SilentRetryThreshold int
	AutoHideDelay        time.Duration
	Detailed             bool
}

// Input is the slice of session state the policy reads.
type Input struct {
	Status       fsm.Status
	StatusSince  time.Time
	LastActivity time.Time
	RetryCount   int
	MaxRetries   int
	TotalRetries int
	Progress     int
	CurrentTask  string
	LastError    string
	Quality      quality.Quality
}

type Feedback struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Visible bool   `json:"visible"`
}

// Evaluate is pure: the same input and now always give the same Feedback.
func (p Policy) Evaluate(in Input, now time.Time) Feedback {
	msg := message(in)
	if p.Detailed {
		return Feedback{Level: Detailed, Message: detail(msg, in), Visible: true}
	}

	level := p.level(in)
	fb := Feedback{Level: level, Message: msg, Visible: level != None}
	if level == Minimal {
		fb.Message = "Reconnecting..."
	}
	if fb.Visible && p.hidden(in, now) {
		fb.Visible = false
	}
	return fb
}

func (p Policy) level(in Input) Level {
	switch in.Status {
	case fsm.Idle:
		return None
	case fsm.Ready, fsm.Connected, fsm.Completed:
		if in.RetryCount == 0 && in.TotalRetries == 0 {
			return None
		}
		return Contextual
	case fsm.Reconnecting:
		if in.RetryCount > p.SilentRetryThreshold {
			return Contextual
		}
		return Minimal
	default:
		return Contextual
	}
}

// hidden applies auto-hide: a settled status (connected, ready or
// completed), unchanged and quiet for at least AutoHideDelay.
func (p Policy) hidden(in Input, now time.Time) bool {
	switch in.Status {
	case fsm.Connected, fsm.Ready, fsm.Completed:
	default:
		return false
	}
	if in.StatusSince.IsZero() {
		return false
	}
	quietSince := in.StatusSince
	if in.LastActivity.After(quietSince) {
		quietSince = in.LastActivity
	}
	return now.Sub(quietSince) >= p.AutoHideDelay
}

func message(in Input) string {
	switch in.Status {
	case fsm.Idle:
		return "Not connected"
	case fsm.Initializing:
		return "Starting session"
	case fsm.Connecting:
		return "Connecting to research service"
	case fsm.Connected:
		return "Connected"
	case fsm.Ready:
		if in.TotalRetries > 0 {
			return "Connection restored"
		}
		return "Ready"
	case fsm.Preparing:
		return "Preparing request"
	case fsm.Processing:
		if in.CurrentTask != "" {
			return "Working: " + in.CurrentTask
		}
		return "Research in progress"
	case fsm.Streaming:
		if in.CurrentTask != "" {
			return fmt.Sprintf("Receiving results (%d%%): %s", in.Progress, in.CurrentTask)
		}
		return fmt.Sprintf("Receiving results (%d%%)", in.Progress)
	case fsm.Completed:
		return "Research complete"
	case fsm.Reconnecting:
		if in.MaxRetries > 0 {
			return fmt.Sprintf("Connection lost, retrying (attempt %d of %d)", in.RetryCount, in.MaxRetries)
		}
		return fmt.Sprintf("Connection lost, retrying (attempt %d)", in.RetryCount)
	case fsm.Recovering:
		return "Connection restored, resuming"
	case fsm.Suspended:
		return "Waiting for your input"
	case fsm.Failed:
		msg := fmt.Sprintf("Connection failed after %d retries. Reconnect to try again.", in.TotalRetries)
		if in.LastError != "" {
			msg += " Last error: " + in.LastError
		}
		return msg
	default:
		return string(in.Status)
	}
}

func detail(msg string, in Input) string {
	var b strings.Builder
	b.WriteString(msg)
	fmt.Fprintf(&b, " [status=%s quality=%s latency=%s retries=%d/%d",
		in.Status, in.Quality.Level, in.Quality.Latency.Round(time.Millisecond), in.RetryCount, in.MaxRetries)
	if in.LastError != "" {
		fmt.Fprintf(&b, " error=%q", in.LastError)
	}
	b.WriteString("]")
	return b.String()
}
