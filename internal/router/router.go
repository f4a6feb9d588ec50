// Package router classifies inbound frames into effects on session state.
// It never mutates state itself; the manager applies the returned Effect.
package router

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/researchlink/internal/failure"
	"github.com/stellarlinkco/researchlink/internal/protocol"
)

type Kind int

const (
	// Drop means the frame was malformed or unexpected; Effect.Err holds the
	// ProtocolError.
	Drop Kind = iota
	Progress
	Append
	Terminal
	Suspend
	Pong
)

func (k Kind) String() string {
	switch k {
	case Drop:
		return "drop"
	case Progress:
		return "progress"
	case Append:
		return "append"
	case Terminal:
		return "terminal"
	case Suspend:
		return "suspend"
	case Pong:
		return "pong"
	default:
		return "unknown"
	}
}

// Progress bookkeeping. Progress never passes Ceiling until a terminal frame
// sets it to 100.
const (
	LogStep    = 5
	ReportStep = 2
	Ceiling    = 95
	Done       = 100
)

// Effect is the classified meaning of one inbound frame.
type Effect struct {
	Kind      Kind
	FrameType string
	// Text is the log line for Progress, the chunk for Append, the report
	// path or chat reply for Terminal and the prompt for Suspend.
	Text string
	// Task is the current-task label carried by a logs frame.
	Task     string
	Metadata string
	Err      error
}

// Content reports whether the effect carries streamed content for an active
// request.
func (e Effect) Content() bool {
	return e.Kind == Progress || e.Kind == Append
}

// Advance returns progress after applying e. Terminal effects jump to Done;
// everything else keeps progress unchanged.
func (e Effect) Advance(progress int) int {
	switch e.Kind {
	case Progress:
		return step(progress, LogStep)
	case Append:
		return step(progress, ReportStep)
	case Terminal:
		return Done
	}
	return progress
}

func step(progress, by int) int {
	if progress >= Ceiling {
		return progress
	}
	progress += by
	if progress > Ceiling {
		return Ceiling
	}
	return progress
}

// Route classifies raw. It never panics; a malformed frame yields a Drop
// effect carrying a ProtocolError.
func Route(raw []byte) (eff Effect) {
	defer func() {
		if r := recover(); r != nil {
			eff = drop(fmt.Sprintf("router panic: %v", r), raw)
		}
	}()

	if protocol.IsControl(raw, protocol.Pong) {
		return Effect{Kind: Pong, FrameType: protocol.Pong}
	}
	if !gjson.ValidBytes(raw) {
		return drop("malformed frame", raw)
	}
	frame := gjson.ParseBytes(raw)
	if !frame.IsObject() {
		return drop("frame is not an object", raw)
	}

	typ := frame.Get("type").String()
	content := frame.Get("content").String()
	output := text(frame.Get("output"))
	eff = Effect{FrameType: typ, Metadata: frame.Get("metadata").Raw}

	switch typ {
	case protocol.TypeLogs:
		eff.Kind = Progress
		eff.Text = output
		eff.Task = content
		if eff.Task == "" {
			eff.Task = output
		}
	case protocol.TypeReport:
		eff.Kind = Append
		eff.Text = output
	case protocol.TypePath, protocol.TypeChat:
		eff.Kind = Terminal
		eff.Text = output
		if eff.Text == "" {
			eff.Text = content
		}
	case protocol.TypeHumanFeedback:
		if content != protocol.HumanFeedbackRequest {
			return drop("unexpected human_feedback content "+fmt.Sprintf("%q", content), raw)
		}
		eff.Kind = Suspend
		eff.Text = output
	case protocol.Pong:
		return Effect{Kind: Pong, FrameType: protocol.Pong}
	case "":
		return drop("frame has no type", raw)
	default:
		return drop("unknown frame type "+fmt.Sprintf("%q", typ), raw)
	}
	return eff
}

func text(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.Str
	default:
		return v.Raw
	}
}

func drop(reason string, raw []byte) Effect {
	return Effect{Kind: Drop, Err: &failure.ProtocolError{Reason: reason, Frame: string(raw)}}
}
