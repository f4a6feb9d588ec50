// Package devserver is a local stand-in for the research service. It speaks
// the same wire protocol (heartbeat tokens, tagged commands in, typed frames
// out) and streams a canned report for every start command.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/researchlink/internal/protocol"
)

const (
	DefaultAddr  = "127.0.0.1:8000"
	writeTimeout = 5 * time.Second
)

type Options struct {
	Addr string
	// ChunkDelay spaces streamed frames so clients see progress.
	ChunkDelay time.Duration
	// AskFeedback pauses every task with a human_feedback request.
	AskFeedback bool
	Logger      zerolog.Logger
}

type Server struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	addr   string

	clients sync.Map
	nextID  atomic.Int64
}

type client struct {
	id       string
	conn     *websocket.Conn
	feedback chan string
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "devserver").Logger(),
	}
}

// Handler serves the websocket endpoint at /ws and a liveness probe at
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	s.clients.Range(func(_, value any) bool {
		value.(*client).conn.Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept")
		return
	}

	c := &client{
		id:       fmt.Sprintf("client-%d", s.nextID.Add(1)),
		conn:     conn,
		feedback: make(chan string, 1),
	}
	s.clients.Store(c.id, c)
	s.logger.Info().Str("client", c.id).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.clients.Delete(c.id)
		conn.CloseNow()
		s.logger.Info().Str("client", c.id).Msg("client disconnected")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, data []byte) {
	if protocol.IsControl(data, protocol.Ping) {
		s.write(ctx, c, []byte(protocol.Pong))
		return
	}

	tag, body := protocol.Decode(data)
	switch tag {
	case protocol.CommandStart:
		task := gjson.GetBytes(body, "task").String()
		if task == "" {
			s.logger.Warn().Str("client", c.id).Msg("start without task")
			return
		}
		go s.research(ctx, c, task, gjson.GetBytes(body, "report_type").String())
	case protocol.CommandChat:
		msg := gjson.GetBytes(body, "message").String()
		s.send(ctx, c, protocol.Frame{Type: protocol.TypeChat, Content: reply(msg)})
	case protocol.CommandHumanFeedback:
		select {
		case c.feedback <- gjson.GetBytes(body, "feedback").String():
		default:
			s.logger.Warn().Str("client", c.id).Msg("feedback without pending request")
		}
	default:
		s.logger.Warn().Str("client", c.id).Str("tag", tag).Msg("unknown command")
	}
}

// research streams logs, optionally pauses for feedback, then streams the
// report and finishes with its path.
func (s *Server) research(ctx context.Context, c *client, task, reportType string) {
	if reportType == "" {
		reportType = "research_report"
	}
	steps := []protocol.Frame{
		logs("starting_research", "Starting research on: "+task),
		logs("planning_research", "Planning sub-queries"),
		logs("running_subquery_research", "Searching sources"),
	}
	for _, f := range steps {
		if !s.paced(ctx, c, f) {
			return
		}
	}

	if s.opts.AskFeedback {
		s.send(ctx, c, protocol.Frame{
			Type:    protocol.TypeHumanFeedback,
			Content: protocol.HumanFeedbackRequest,
			Output:  raw("Proceed with the outline for " + task + "?"),
		})
		select {
		case fb := <-c.feedback:
			if !s.paced(ctx, c, logs("human_feedback", "Feedback received: "+fb)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}

	for _, chunk := range report(task, reportType) {
		if !s.paced(ctx, c, protocol.Frame{Type: protocol.TypeReport, Output: raw(chunk)}) {
			return
		}
	}
	s.paced(ctx, c, protocol.Frame{Type: protocol.TypePath, Output: raw("outputs/" + slug(task) + ".md")})
}

func (s *Server) paced(ctx context.Context, c *client, f protocol.Frame) bool {
	if s.opts.ChunkDelay > 0 {
		t := time.NewTimer(s.opts.ChunkDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false
		}
	}
	return s.send(ctx, c, f)
}

func (s *Server) send(ctx context.Context, c *client, f protocol.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal frame")
		return false
	}
	return s.write(ctx, c, data)
}

func (s *Server) write(ctx context.Context, c *client, data []byte) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
		return false
	}
	return true
}

func logs(content, output string) protocol.Frame {
	return protocol.Frame{Type: protocol.TypeLogs, Content: content, Output: raw(output)}
}

func raw(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func report(task, reportType string) []string {
	return []string{
		"# " + task + "\n\n",
		"This " + strings.ReplaceAll(reportType, "_", " ") + " was produced by the local development server.\n\n",
		"## Findings\n\nNo real sources were consulted.\n",
	}
}

func reply(msg string) string {
	if msg == "" {
		return "Ask me anything about the report."
	}
	return "You asked: " + msg
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
		if b.Len() >= 48 {
			break
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "report"
	}
	return out
}
