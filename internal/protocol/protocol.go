// Package protocol defines the wire format spoken with the research service:
// bare heartbeat tokens, structured inbound frames and tagged outbound
// commands of the form "<tag> <json>".
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

const (
	Ping = "ping"
	Pong = "pong"
)

// Inbound frame types.
const (
	TypeLogs          = "logs"
	TypeReport        = "report"
	TypePath          = "path"
	TypeChat          = "chat"
	TypeHumanFeedback = "human_feedback"
)

// HumanFeedbackRequest is the content of a human_feedback frame asking the
// user for input.
const HumanFeedbackRequest = "request"

// Outbound command tags.
const (
	CommandStart         = "start"
	CommandChat          = "chat"
	CommandHumanFeedback = "human_feedback"
)

// Frame is a structured inbound message.
type Frame struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// StartPayload is the JSON body of a "start" command.
type StartPayload struct {
	Task         string   `json:"task"`
	ReportType   string   `json:"report_type"`
	ReportSource string   `json:"report_source"`
	Tone         string   `json:"tone"`
	QueryDomains []string `json:"query_domains"`
	SourceURLs   []string `json:"source_urls,omitempty"`
	MCPEnabled   bool     `json:"mcp_enabled,omitempty"`
	MCPStrategy  string   `json:"mcp_strategy,omitempty"`
}

type chatPayload struct {
	Message string `json:"message"`
}

type feedbackPayload struct {
	Feedback string `json:"feedback"`
}

// Encode renders a tagged command.
func Encode(tag string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	return join(tag, body), nil
}

// EncodeStart renders the session-start command. mcpConfigs, when non-empty,
// must be a JSON array and is spliced verbatim as "mcp_configs".
func EncodeStart(p StartPayload, mcpConfigs []byte) ([]byte, error) {
	if p.QueryDomains == nil {
		p.QueryDomains = []string{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal start payload: %w", err)
	}
	if len(mcpConfigs) > 0 {
		if !json.Valid(mcpConfigs) {
			return nil, fmt.Errorf("mcp configs are not valid JSON")
		}
		body, err = sjson.SetRawBytes(body, "mcp_configs", mcpConfigs)
		if err != nil {
			return nil, fmt.Errorf("splice mcp configs: %w", err)
		}
		if !p.MCPEnabled {
			body, _ = sjson.SetBytes(body, "mcp_enabled", true)
		}
	}
	return join(CommandStart, body), nil
}

func EncodeChat(message string) ([]byte, error) {
	return Encode(CommandChat, chatPayload{Message: message})
}

func EncodeHumanFeedback(feedback string) ([]byte, error) {
	return Encode(CommandHumanFeedback, feedbackPayload{Feedback: feedback})
}

// Decode splits a tagged command into its tag and JSON body. A bare token
// such as "ping" yields an empty body.
func Decode(data []byte) (tag string, body []byte) {
	s := strings.TrimSpace(string(data))
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, nil
	}
	return s[:idx], []byte(strings.TrimSpace(s[idx+1:]))
}

// IsControl reports whether data is exactly the bare token tok.
func IsControl(data []byte, tok string) bool {
	return strings.TrimSpace(string(data)) == tok
}

func join(tag string, body []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(body))
	out = append(out, tag...)
	out = append(out, ' ')
	return append(out, body...)
}
