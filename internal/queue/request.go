package queue

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindResearch      Kind = "research"
	KindChat          Kind = "chat"
	KindPing          Kind = "ping"
	KindHumanFeedback Kind = "human_feedback"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Weights maps priorities to ordering values; higher sorts first.
type Weights struct {
	Critical, High, Normal, Low int
}

func DefaultWeights() Weights {
	return Weights{Critical: 1000, High: 100, Normal: 10, Low: 1}
}

func (w Weights) Of(p Priority) int {
	switch p {
	case PriorityCritical:
		return w.Critical
	case PriorityHigh:
		return w.High
	case PriorityNormal:
		return w.Normal
	default:
		return w.Low
	}
}

// Request is one outbound command waiting to be sent or awaiting completion.
type Request struct {
	ID         string
	Kind       Kind
	Payload    []byte
	EnqueuedAt time.Time
	SentAt     time.Time
	Priority   Priority
	RetryCount int
	MaxRetries int
	OnSuccess  func(*Request)
	OnFailure  func(*Request, error)
	Metadata   map[string]string

	seq uint64
}

func NewRequest(kind Kind, payload []byte, priority Priority) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  payload,
		Priority: priority,
	}
}
