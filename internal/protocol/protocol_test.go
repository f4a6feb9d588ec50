package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStart(t *testing.T) {
	data, err := EncodeStart(StartPayload{
		Task:         "test",
		ReportType:   "research_report",
		ReportSource: "web",
		Tone:         "Objective",
	}, nil)
	require.NoError(t, err)

	tag, body := Decode(data)
	assert.Equal(t, CommandStart, tag)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "test", got["task"])
	assert.Equal(t, "research_report", got["report_type"])
	assert.Equal(t, "web", got["report_source"])
	assert.Equal(t, "Objective", got["tone"])
	assert.Equal(t, []any{}, got["query_domains"])
	assert.NotContains(t, got, "mcp_configs")
}

func TestEncodeStart_MCPConfigs(t *testing.T) {
	cfgs := []byte(`[{"name":"github","command":"npx"}]`)
	data, err := EncodeStart(StartPayload{Task: "t", QueryDomains: []string{"go.dev"}}, cfgs)
	require.NoError(t, err)

	_, body := Decode(data)
	var got struct {
		QueryDomains []string         `json:"query_domains"`
		MCPEnabled   bool             `json:"mcp_enabled"`
		MCPConfigs   []map[string]any `json:"mcp_configs"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"go.dev"}, got.QueryDomains)
	assert.True(t, got.MCPEnabled)
	require.Len(t, got.MCPConfigs, 1)
	assert.Equal(t, "github", got.MCPConfigs[0]["name"])
}

func TestEncodeStart_InvalidMCPConfigs(t *testing.T) {
	_, err := EncodeStart(StartPayload{Task: "t"}, []byte(`{broken`))
	assert.Error(t, err)
}

func TestEncodeChatAndFeedback(t *testing.T) {
	data, err := EncodeChat("what next?")
	require.NoError(t, err)
	assert.Equal(t, `chat {"message":"what next?"}`, string(data))

	data, err = EncodeHumanFeedback("looks good")
	require.NoError(t, err)
	assert.Equal(t, `human_feedback {"feedback":"looks good"}`, string(data))
}

func TestDecode(t *testing.T) {
	tag, body := Decode([]byte("ping"))
	assert.Equal(t, "ping", tag)
	assert.Nil(t, body)

	tag, body = Decode([]byte("  chat {\"message\":\"x\"}\n"))
	assert.Equal(t, "chat", tag)
	assert.Equal(t, `{"message":"x"}`, string(body))
}

func TestIsControl(t *testing.T) {
	assert.True(t, IsControl([]byte("pong"), Pong))
	assert.True(t, IsControl([]byte(" pong\n"), Pong))
	assert.False(t, IsControl([]byte(`{"type":"pong"}`), Pong))
}
