package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/researchlink/internal/config"
	"github.com/stellarlinkco/researchlink/internal/devserver"
	"github.com/stellarlinkco/researchlink/internal/feedback"
	"github.com/stellarlinkco/researchlink/internal/fsm"
	"github.com/stellarlinkco/researchlink/internal/manager"
	"github.com/stellarlinkco/researchlink/internal/settings"
	"github.com/stellarlinkco/researchlink/internal/transport"
)

// Client is the slice of the connection manager the commands drive, so tests
// can swap in a scripted one.
type Client interface {
	StartResearch(prompt string, s settings.Settings, opts ...manager.RequestOption) (string, error)
	SendChatMessage(text string, opts ...manager.RequestOption) (string, error)
	ProvideFeedback(text string, opts ...manager.RequestOption) (string, error)
	Subscribe(fn func(manager.Session)) (cancel func())
	Snapshot() manager.Session
	StatusMessage() feedback.Feedback
	Close()
}

// ClientFactory creates a Client for the loaded config.
type ClientFactory func(cfg *config.Config, logger zerolog.Logger) (Client, error)

// DefaultClientFactory connects over websocket with stored settings from
// cfg.SettingsPath.
func DefaultClientFactory(cfg *config.Config, logger zerolog.Logger) (Client, error) {
	m, err := manager.New(manager.Options{
		Config: cfg,
		Dialer: transport.NewWebSocket(logger),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}
	return m, nil
}

// RunOptions for running commands with custom dependencies
type RunOptions struct {
	ClientFactory ClientFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func (o RunOptions) withDefaults() RunOptions {
	if o.ClientFactory == nil {
		o.ClientFactory = DefaultClientFactory
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

var rootCmd = &cobra.Command{
	Use:   "researchlink",
	Short: "researchlink - resilient client for a streaming research service",
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run a research task and print the report",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResearch,
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Serve a local stand-in for the research service",
	RunE:  runDevServer,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and settings",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show researchlink configuration",
	RunE:  runStatus,
}

var (
	researchFlags settings.Settings

	devAddrFlag     string
	devDelayFlag    time.Duration
	devFeedbackFlag bool
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&researchFlags.ReportType, "report-type", "", "Report type (default research_report)")
	f.StringVar(&researchFlags.ReportSource, "source", "", "Report source (default web)")
	f.StringVar(&researchFlags.Tone, "tone", "", "Report tone (default Objective)")
	f.StringSliceVar(&researchFlags.QueryDomains, "domain", nil, "Restrict search to domain (repeatable)")
	f.StringSliceVar(&researchFlags.SourceURLs, "url", nil, "Source URL to include (repeatable)")

	devserverCmd.Flags().StringVar(&devAddrFlag, "addr", devserver.DefaultAddr, "Listen address")
	devserverCmd.Flags().DurationVar(&devDelayFlag, "delay", 300*time.Millisecond, "Delay between streamed frames")
	devserverCmd.Flags().BoolVar(&devFeedbackFlag, "ask-feedback", false, "Pause every task for human feedback")

	rootCmd.AddCommand(runCmd, chatCmd, devserverCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return runResearchWithOptions(ctx, RunOptions{}, strings.Join(args, " "), researchFlags)
}

// runResearchWithOptions runs one research task with injectable dependencies.
func runResearchWithOptions(ctx context.Context, opts RunOptions, prompt string, s settings.Settings) error {
	opts = opts.withDefaults()
	client, err := openClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.StartResearch(prompt, s); err != nil {
		return fmt.Errorf("start research: %w", err)
	}

	w := newWatcher(client, opts)
	defer w.stop()
	final, err := w.wait(ctx, func(s manager.Session) bool {
		return s.Status == fsm.Completed && s.ReportPath != ""
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(opts.Stdout, strings.TrimRight(final.Answer, "\n"))
	fmt.Fprintf(opts.Stdout, "\nReport: %s\n", final.ReportPath)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return runChatWithOptions(ctx, RunOptions{}, strings.Join(args, " "))
}

func runChatWithOptions(ctx context.Context, opts RunOptions, message string) error {
	opts = opts.withDefaults()
	client, err := openClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.SendChatMessage(message); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	w := newWatcher(client, opts)
	defer w.stop()
	final, err := w.wait(ctx, func(s manager.Session) bool {
		return s.Status == fsm.Completed && s.ChatReply != ""
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(opts.Stdout, final.ChatReply)
	return nil
}

func openClient(opts RunOptions) (Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return opts.ClientFactory(cfg, newLogger(cfg, opts.Stderr))
}

// watcher turns subscription callbacks into a coalesced wake-up signal and
// drives the interactive parts of a session from the calling goroutine.
type watcher struct {
	client  Client
	opts    RunOptions
	wake    chan struct{}
	cancel  func()
	input   *bufio.Scanner
	shown   string
	pending string
}

func newWatcher(c Client, opts RunOptions) *watcher {
	w := &watcher{
		client: c,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		input:  bufio.NewScanner(opts.Stdin),
	}
	w.cancel = c.Subscribe(func(manager.Session) { w.poke() })
	// Catch up on anything that changed before the subscription.
	w.poke()
	return w
}

func (w *watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() { w.cancel() }

func (w *watcher) wait(ctx context.Context, done func(manager.Session) bool) (manager.Session, error) {
	for {
		select {
		case <-ctx.Done():
			return manager.Session{}, ctx.Err()
		case <-w.wake:
		}

		s := w.client.Snapshot()
		w.report()
		if done(s) {
			return s, nil
		}
		if s.Status == fsm.Failed {
			if s.LastError != "" {
				return s, fmt.Errorf("connection failed: %s", s.LastError)
			}
			return s, errors.New("connection failed")
		}
		if s.FeedbackPrompt != "" && s.FeedbackPrompt != w.pending {
			w.pending = s.FeedbackPrompt
			if err := w.answer(s.FeedbackPrompt); err != nil {
				return s, err
			}
		}
	}
}

// report prints the status line whenever it changes and is visible.
func (w *watcher) report() {
	fb := w.client.StatusMessage()
	if !fb.Visible || fb.Message == w.shown {
		return
	}
	w.shown = fb.Message
	fmt.Fprintf(w.opts.Stderr, "· %s\n", fb.Message)
}

func (w *watcher) answer(prompt string) error {
	fmt.Fprintf(w.opts.Stdout, "%s\n> ", prompt)
	if !w.input.Scan() {
		if err := w.input.Err(); err != nil {
			return fmt.Errorf("read feedback: %w", err)
		}
		return errors.New("feedback requested but input is closed")
	}
	if _, err := w.client.ProvideFeedback(strings.TrimSpace(w.input.Text())); err != nil {
		return fmt.Errorf("provide feedback: %w", err)
	}
	return nil
}

func runDevServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return runDevServerWithOptions(ctx, os.Stderr, devserver.Options{
		Addr:        devAddrFlag,
		ChunkDelay:  devDelayFlag,
		AskFeedback: devFeedbackFlag,
	})
}

func runDevServerWithOptions(ctx context.Context, stderr io.Writer, opts devserver.Options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.Logger = newLogger(cfg, stderr)

	srv := devserver.New(opts)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "Dev server on ws://%s/ws\n", srv.Addr())
	<-ctx.Done()
	return srv.Stop()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboard(os.Stdout)
}

func onboard(stdout io.Writer) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(stdout, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(stdout, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if filepath.Ext(cfg.SettingsPath) == ".yaml" || filepath.Ext(cfg.SettingsPath) == ".yml" {
		writeIfNotExists(stdout, cfg.SettingsPath, defaultSettingsYAML)
	}

	fmt.Fprintln(stdout, "\nNext steps:")
	fmt.Fprintf(stdout, "  1. Edit %s to point serverUrl at your research service\n", cfgPath)
	fmt.Fprintln(stdout, "  2. Or run 'researchlink devserver' for a local stand-in")
	fmt.Fprintln(stdout, "  3. Run 'researchlink run \"your question\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return status(cmd.Context(), os.Stdout)
}

func status(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stdout, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(stdout, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(stdout, "Server: %s\n", cfg.ServerURL)
	fmt.Fprintf(stdout, "Retries: max=%d base=%s cap=%s factor=%.1f\n",
		cfg.Retry.MaxRetries, cfg.Retry.BaseDelay.Std(), cfg.Retry.MaxDelay.Std(), cfg.Retry.BackoffFactor)
	fmt.Fprintf(stdout, "Heartbeat: every %s, timeout %s\n", cfg.Heartbeat.Interval.Std(), cfg.Heartbeat.Timeout.Std())
	fmt.Fprintf(stdout, "Log level: %s\n", cfg.Level())

	if ctx == nil {
		ctx = context.Background()
	}
	s, err := settings.Open(cfg.SettingsPath).Load(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "Settings: error (%v)\n", err)
		return nil
	}
	s = s.WithDefaults()
	fmt.Fprintf(stdout, "Settings: %s (report=%s source=%s tone=%s)\n",
		cfg.SettingsPath, s.ReportType, s.ReportSource, s.Tone)
	return nil
}

func writeIfNotExists(stdout io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return
		}
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(stdout, "  Created: %s\n", path)
	}
}

const defaultSettingsYAML = `# Defaults merged into every research task.
report_type: research_report
report_source: web
tone: Objective
query_domains: []
`
