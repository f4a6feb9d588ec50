package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultServerURL              = "ws://localhost:8000/ws"
	DefaultMaxRetries             = 5
	DefaultBaseRetryDelay         = time.Second
	DefaultMaxRetryDelay          = 30 * time.Second
	DefaultRetryBackoffFactor     = 2.0
	DefaultJitterRange            = 0.3
	DefaultConnectionTimeout      = 10 * time.Second
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultHeartbeatTimeout       = 10 * time.Second
	DefaultHealthCheckInterval    = 5 * time.Second
	DefaultMaxAcceptableDeviation = 500 * time.Millisecond
	DefaultMaxQueueSize           = 100
	DefaultRequestTimeout         = 5 * time.Minute
	DefaultBatchSize              = 5
	DefaultSilentRetryThreshold   = 2
	DefaultAutoHideDelay          = 2 * time.Second
	DefaultLogLevel               = "info"
)

type Config struct {
	ServerURL    string `json:"serverUrl"`
	SettingsPath string `json:"settingsPath,omitempty"`

	Retry     RetryConfig     `json:"retry"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Quality   QualityConfig   `json:"quality"`
	Queue     QueueConfig     `json:"queue"`
	Feedback  FeedbackConfig  `json:"feedback"`

	ConnectionTimeout Duration `json:"connectionTimeout"`
	SanitizeErrors    bool     `json:"sanitizeErrors"`
	LogLevel          string   `json:"logLevel"`
}

type RetryConfig struct {
	MaxRetries    int      `json:"maxRetries"`
	BaseDelay     Duration `json:"baseRetryDelay"`
	MaxDelay      Duration `json:"maxRetryDelay"`
	BackoffFactor float64  `json:"retryBackoffFactor"`
	JitterRange   float64  `json:"jitterRange"`
}

type HeartbeatConfig struct {
	Interval            Duration `json:"heartbeatInterval"`
	Timeout             Duration `json:"heartbeatTimeout"`
	HealthCheckInterval Duration `json:"healthCheckInterval"`
}

// LatencyThresholds are inclusive upper bounds for each quality level.
type LatencyThresholds struct {
	Excellent Duration `json:"excellent"`
	Good      Duration `json:"good"`
	Fair      Duration `json:"fair"`
	Poor      Duration `json:"poor"`
}

type QualityConfig struct {
	LatencyThresholds      LatencyThresholds `json:"latencyThresholds"`
	MaxAcceptableDeviation Duration          `json:"maxAcceptableDeviation"`
}

type PriorityWeights struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
}

type QueueConfig struct {
	MaxQueueSize    int             `json:"maxQueueSize"`
	RequestTimeout  Duration        `json:"requestTimeout"`
	BatchSize       int             `json:"batchSize"`
	PriorityWeights PriorityWeights `json:"priorityWeights"`
}

type FeedbackConfig struct {
	SilentRetryThreshold int      `json:"silentRetryThreshold"`
	AutoHideDelay        Duration `json:"autoHideDelay"`
	Detailed             bool     `json:"detailedFeedback"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		Retry: RetryConfig{
			MaxRetries:    DefaultMaxRetries,
			BaseDelay:     Duration(DefaultBaseRetryDelay),
			MaxDelay:      Duration(DefaultMaxRetryDelay),
			BackoffFactor: DefaultRetryBackoffFactor,
			JitterRange:   DefaultJitterRange,
		},
		Heartbeat: HeartbeatConfig{
			Interval:            Duration(DefaultHeartbeatInterval),
			Timeout:             Duration(DefaultHeartbeatTimeout),
			HealthCheckInterval: Duration(DefaultHealthCheckInterval),
		},
		Quality: QualityConfig{
			LatencyThresholds: LatencyThresholds{
				Excellent: Duration(100 * time.Millisecond),
				Good:      Duration(300 * time.Millisecond),
				Fair:      Duration(1000 * time.Millisecond),
				Poor:      Duration(3000 * time.Millisecond),
			},
			MaxAcceptableDeviation: Duration(DefaultMaxAcceptableDeviation),
		},
		Queue: QueueConfig{
			MaxQueueSize:   DefaultMaxQueueSize,
			RequestTimeout: Duration(DefaultRequestTimeout),
			BatchSize:      DefaultBatchSize,
			PriorityWeights: PriorityWeights{
				Critical: 1000,
				High:     100,
				Normal:   10,
				Low:      1,
			},
		},
		Feedback: FeedbackConfig{
			SilentRetryThreshold: DefaultSilentRetryThreshold,
			AutoHideDelay:        Duration(DefaultAutoHideDelay),
		},
		ConnectionTimeout: Duration(DefaultConnectionTimeout),
		SanitizeErrors:    true,
		LogLevel:          DefaultLogLevel,
	}
}

// Validate reports every range violation at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		add("serverUrl %q must be a ws:// or wss:// URL", c.ServerURL)
	}

	r := c.Retry
	if r.MaxRetries < 0 {
		add("maxRetries must be >= 0, got %d", r.MaxRetries)
	}
	if r.BaseDelay <= 0 {
		add("baseRetryDelay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		add("maxRetryDelay (%s) must be >= baseRetryDelay (%s)", r.MaxDelay, r.BaseDelay)
	}
	if r.BackoffFactor < 1 {
		add("retryBackoffFactor must be >= 1, got %g", r.BackoffFactor)
	}
	if r.JitterRange < 0 || r.JitterRange > 1 {
		add("jitterRange must be within [0,1], got %g", r.JitterRange)
	}

	if c.ConnectionTimeout <= 0 {
		add("connectionTimeout must be positive")
	}
	h := c.Heartbeat
	if h.Interval <= 0 {
		add("heartbeatInterval must be positive")
	}
	if h.Timeout <= 0 {
		add("heartbeatTimeout must be positive")
	}
	if h.HealthCheckInterval <= 0 {
		add("healthCheckInterval must be positive")
	}

	lt := c.Quality.LatencyThresholds
	if !(0 < lt.Excellent && lt.Excellent < lt.Good && lt.Good < lt.Fair && lt.Fair < lt.Poor) {
		add("latencyThresholds must be strictly ascending excellent < good < fair < poor")
	}
	if c.Quality.MaxAcceptableDeviation <= 0 {
		add("maxAcceptableDeviation must be positive")
	}

	q := c.Queue
	if q.MaxQueueSize < 1 {
		add("maxQueueSize must be >= 1, got %d", q.MaxQueueSize)
	}
	if q.BatchSize < 1 {
		add("batchSize must be >= 1, got %d", q.BatchSize)
	}
	if q.RequestTimeout <= 0 {
		add("requestTimeout must be positive")
	}
	w := q.PriorityWeights
	if !(w.Critical > w.High && w.High > w.Normal && w.Normal > w.Low) {
		add("priorityWeights must be strictly descending critical > high > normal > low")
	}

	if c.Feedback.SilentRetryThreshold < 0 {
		add("silentRetryThreshold must be >= 0")
	}
	if c.Feedback.AutoHideDelay < 0 {
		add("autoHideDelay must be >= 0")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		add("logLevel %q is not a valid level", c.LogLevel)
	}

	return errors.Join(errs...)
}

// Level returns the zerolog level for LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func ConfigDir() string {
	if dir := os.Getenv("RESEARCHLINK_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".researchlink")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if u := os.Getenv("RESEARCHLINK_SERVER_URL"); u != "" {
		cfg.ServerURL = u
	}
	if p := os.Getenv("RESEARCHLINK_SETTINGS_PATH"); p != "" {
		cfg.SettingsPath = p
	}
	if lvl := os.Getenv("RESEARCHLINK_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}
	if n := os.Getenv("RESEARCHLINK_MAX_RETRIES"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Retry.MaxRetries = parsed
		}
	}
	if d := os.Getenv("RESEARCHLINK_CONNECTION_TIMEOUT"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil {
			cfg.ConnectionTimeout = Duration(parsed)
		}
	}
	if d := os.Getenv("RESEARCHLINK_REQUEST_TIMEOUT"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil {
			cfg.Queue.RequestTimeout = Duration(parsed)
		}
	}
	if v := os.Getenv("RESEARCHLINK_SANITIZE_ERRORS"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.SanitizeErrors = parsed
		}
	}
	if v := os.Getenv("RESEARCHLINK_DETAILED_FEEDBACK"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Feedback.Detailed = parsed
		}
	}

	if cfg.SettingsPath == "" {
		cfg.SettingsPath = filepath.Join(ConfigDir(), "settings.yaml")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
