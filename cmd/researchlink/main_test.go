package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/researchlink/internal/config"
	"github.com/stellarlinkco/researchlink/internal/devserver"
	"github.com/stellarlinkco/researchlink/internal/feedback"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/manager"
	"github.com/stellarlinkco/researchlink/internal/settings"
)

// fakeClient replays scripted snapshots to its subscribers. The script
// after a feedback prompt plays only once ProvideFeedback is called.
type fakeClient struct {
	mu       sync.Mutex
	snap     manager.Session
	subs     map[int]func(manager.Session)
	next     int
	script   []manager.Session
	resume   []manager.Session
	started  settings.Settings
	feedback []string
	closed   bool
	err      error
}

func (f *fakeClient) factory(*config.Config, zerolog.Logger) (Client, error) {
	return f, nil
}

func (f *fakeClient) play(steps []manager.Session) {
	go func() {
		for _, s := range steps {
			f.mu.Lock()
			f.snap = s
			subs := make([]func(manager.Session), 0, len(f.subs))
			for _, fn := range f.subs {
				subs = append(subs, fn)
			}
			f.mu.Unlock()
			for _, fn := range subs {
				fn(s)
			}
		}
	}()
}

func (f *fakeClient) StartResearch(_ string, s settings.Settings, _ ...manager.RequestOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.started = s
	f.mu.Unlock()
	f.play(f.script)
	return "req-1", nil
}

func (f *fakeClient) SendChatMessage(string, ...manager.RequestOption) (string, error) {
	f.play(f.script)
	return "req-2", nil
}

func (f *fakeClient) ProvideFeedback(text string, _ ...manager.RequestOption) (string, error) {
	f.mu.Lock()
	f.feedback = append(f.feedback, text)
	f.mu.Unlock()
	f.play(f.resume)
	return "req-3", nil
}

func (f *fakeClient) Subscribe(fn func(manager.Session)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[int]func(manager.Session){}
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeClient) Snapshot() manager.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeClient) StatusMessage() feedback.Feedback {
	s := f.Snapshot()
	return feedback.Feedback{Level: feedback.Contextual, Message: string(s.Status), Visible: s.Status != fsm.Idle}
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("RESEARCHLINK_HOME", home)
	t.Setenv("RESEARCHLINK_SERVER_URL", "")
	t.Setenv("RESEARCHLINK_SETTINGS_PATH", "")
	return home
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunResearch_PrintsReport(t *testing.T) {
	isolate(t)
	fc := &fakeClient{script: []manager.Session{
		{Status: fsm.Connecting},
		{Status: fsm.Streaming, Answer: "# Kelp\n", Progress: 40},
		{Status: fsm.Completed, Answer: "# Kelp\n\nGrows fast.\n", ReportPath: "outputs/kelp.md", Progress: 100},
	}}
	var stdout, stderr bytes.Buffer

	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdin:         strings.NewReader(""),
		Stdout:        &stdout,
		Stderr:        &stderr,
	}, "kelp", settings.Settings{Tone: "Formal"})
	require.NoError(t, err)

	assert.Contains(t, stdout.String(), "Grows fast.")
	assert.Contains(t, stdout.String(), "Report: outputs/kelp.md")
	assert.Contains(t, stderr.String(), "· completed")
	assert.Equal(t, "Formal", fc.started.Tone)
	assert.True(t, fc.closed)
}

func TestRunResearch_AnswersFeedbackPrompt(t *testing.T) {
	isolate(t)
	fc := &fakeClient{
		script: []manager.Session{
			{Status: fsm.Suspended, FeedbackPrompt: "Proceed with outline?"},
		},
		resume: []manager.Session{
			{Status: fsm.Completed, Answer: "done", ReportPath: "outputs/x.md"},
		},
	}
	var stdout bytes.Buffer

	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdin:         strings.NewReader("  yes please \n"),
		Stdout:        &stdout,
		Stderr:        &bytes.Buffer{},
	}, "x", settings.Settings{})
	require.NoError(t, err)

	assert.Equal(t, []string{"yes please"}, fc.feedback)
	assert.Contains(t, stdout.String(), "Proceed with outline?")
}

func TestRunResearch_FeedbackWithClosedInput(t *testing.T) {
	isolate(t)
	fc := &fakeClient{script: []manager.Session{
		{Status: fsm.Suspended, FeedbackPrompt: "Continue?"},
	}}

	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdin:         strings.NewReader(""),
		Stdout:        &bytes.Buffer{},
		Stderr:        &bytes.Buffer{},
	}, "x", settings.Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is closed")
}

func TestRunResearch_Failed(t *testing.T) {
	isolate(t)
	fc := &fakeClient{script: []manager.Session{
		{Status: fsm.Reconnecting, RetryCount: 1},
		{Status: fsm.Failed, LastError: "transport open: connection refused"},
	}}

	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdout:        &bytes.Buffer{},
		Stderr:        &bytes.Buffer{},
	}, "x", settings.Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunResearch_StartError(t *testing.T) {
	isolate(t)
	fc := &fakeClient{err: manager.ErrEmptyPrompt}

	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdout:        &bytes.Buffer{},
		Stderr:        &bytes.Buffer{},
	}, "", settings.Settings{})
	assert.ErrorIs(t, err, manager.ErrEmptyPrompt)
}

func TestRunResearch_Cancelled(t *testing.T) {
	isolate(t)
	fc := &fakeClient{script: []manager.Session{{Status: fsm.Processing}}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := runResearchWithOptions(ctx, RunOptions{
		ClientFactory: fc.factory,
		Stdout:        &bytes.Buffer{},
		Stderr:        &bytes.Buffer{},
	}, "x", settings.Settings{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunResearch_FactoryError(t *testing.T) {
	isolate(t)
	boom := errors.New("no dialer")
	err := runResearchWithOptions(testContext(t), RunOptions{
		ClientFactory: func(*config.Config, zerolog.Logger) (Client, error) { return nil, boom },
	}, "x", settings.Settings{})
	assert.ErrorIs(t, err, boom)
}

func TestRunChat_PrintsReply(t *testing.T) {
	isolate(t)
	fc := &fakeClient{script: []manager.Session{
		{Status: fsm.Processing},
		{Status: fsm.Completed, ChatReply: "It grows 60cm a day."},
	}}
	var stdout bytes.Buffer

	err := runChatWithOptions(testContext(t), RunOptions{
		ClientFactory: fc.factory,
		Stdout:        &stdout,
		Stderr:        &bytes.Buffer{},
	}, "how fast?")
	require.NoError(t, err)
	assert.Equal(t, "It grows 60cm a day.\n", stdout.String())
}

func TestRunResearch_AgainstDevServer(t *testing.T) {
	isolate(t)
	ts := httptest.NewServer(devserver.New(devserver.Options{Logger: zerolog.Nop()}).Handler())
	defer ts.Close()
	t.Setenv("RESEARCHLINK_SERVER_URL", "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	t.Setenv("RESEARCHLINK_LOG_LEVEL", "error")

	var stdout bytes.Buffer
	err := runResearchWithOptions(testContext(t), RunOptions{
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	}, "Tidal power", settings.Settings{})
	require.NoError(t, err)

	assert.Contains(t, stdout.String(), "# Tidal power")
	assert.Contains(t, stdout.String(), "Report: outputs/tidal-power.md")
}

func TestOnboard(t *testing.T) {
	home := isolate(t)
	var out bytes.Buffer

	require.NoError(t, onboard(&out))
	assert.Contains(t, out.String(), "Created config")
	assert.FileExists(t, filepath.Join(home, "config.json"))

	data, err := os.ReadFile(filepath.Join(home, "settings.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "report_type: research_report")

	out.Reset()
	require.NoError(t, onboard(&out))
	assert.Contains(t, out.String(), "Config already exists")
	assert.NotContains(t, out.String(), "Created:")
}

func TestStatus(t *testing.T) {
	isolate(t)
	t.Setenv("RESEARCHLINK_SERVER_URL", "ws://research.internal:9000/ws")
	var out bytes.Buffer

	require.NoError(t, status(context.Background(), &out))
	assert.Contains(t, out.String(), "Server: ws://research.internal:9000/ws")
	assert.Contains(t, out.String(), "report=research_report")
}

func TestStatus_BadConfig(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.json"), []byte("{"), 0644))
	var out bytes.Buffer

	require.NoError(t, status(context.Background(), &out))
	assert.Contains(t, out.String(), "Config: error")
}

func TestWriteIfNotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "s.yaml")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "first")
	writeIfNotExists(&out, path, "second")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.Equal(t, 1, strings.Count(out.String(), "Created:"))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "chat", "devserver", "onboard", "status"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
