package manager

import (
	"time"

	"github.com/stellarlinkco/researchlink/internal/feedback"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/quality"
)

// Session is an immutable copy of the manager's view of the research
// session. Callers receive it from Snapshot and Subscribe; they never write
// manager state directly.
type Session struct {
	Status      fsm.Status `json:"status"`
	StatusSince time.Time  `json:"statusSince"`

	Quality     quality.Quality `json:"quality"`
	Progress    int             `json:"progress"`
	CurrentTask string          `json:"currentTask,omitempty"`
	Answer      string          `json:"answer,omitempty"`
	ReportPath  string          `json:"reportPath,omitempty"`
	ChatReply   string          `json:"chatReply,omitempty"`
	// FeedbackPrompt is set while the service waits for human input.
	FeedbackPrompt string `json:"feedbackPrompt,omitempty"`
	Loading        bool   `json:"loading"`

	RetryCount   int    `json:"retryCount"`
	TotalRetries int    `json:"totalRetries"`
	LastError    string `json:"lastError,omitempty"`

	ConnectedAt        time.Time      `json:"connectedAt,omitempty"`
	Uptime             time.Duration  `json:"uptime"`
	LastActivity       time.Time      `json:"lastActivity,omitempty"`
	RequestsInFlight   int            `json:"requestsInFlight"`
	QueuedRequests     int            `json:"queuedRequests"`
	BackgroundActivity bool           `json:"backgroundActivity"`
	FeedbackLevel      feedback.Level `json:"feedbackLevel"`
}

func idleSession(now time.Time) Session {
	return Session{Status: fsm.Idle, StatusSince: now}
}

// beginResearch clears per-task output before a new research task.
func (s *Session) beginResearch() {
	s.Answer = ""
	s.ReportPath = ""
	s.ChatReply = ""
	s.Progress = 0
	s.CurrentTask = ""
	s.FeedbackPrompt = ""
	s.Loading = true
}

func (s *Session) feedbackInput(maxRetries int, q quality.Quality) feedback.Input {
	return feedback.Input{
		Status:       s.Status,
		StatusSince:  s.StatusSince,
		LastActivity: s.LastActivity,
		RetryCount:   s.RetryCount,
		MaxRetries:   maxRetries,
		TotalRetries: s.TotalRetries,
		Progress:     s.Progress,
		CurrentTask:  s.CurrentTask,
		LastError:    s.LastError,
		Quality:      q,
	}
}
