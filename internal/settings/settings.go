// Package settings reads the user's stored research defaults. The store is
// read-only input: nothing in this module writes it.
package settings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
)

const (
	DefaultReportType   = "research_report"
	DefaultReportSource = "web"
	DefaultTone         = "Objective"
)

// Settings are the research defaults merged into every start command.
type Settings struct {
	ReportType   string          `yaml:"report_type" json:"report_type"`
	ReportSource string          `yaml:"report_source" json:"report_source"`
	Tone         string          `yaml:"tone" json:"tone"`
	QueryDomains []string        `yaml:"query_domains" json:"query_domains"`
	SourceURLs   []string        `yaml:"source_urls" json:"source_urls"`
	MCPStrategy  string          `yaml:"mcp_strategy" json:"mcp_strategy"`
	MCPConfigs   json.RawMessage `yaml:"-" json:"mcp_configs,omitempty"`
}

// Store loads settings. Implementations return zero Settings, not an error,
// when nothing has been stored yet.
type Store interface {
	Load(ctx context.Context) (Settings, error)
}

// Merge returns s with every non-empty field of override applied on top.
func (s Settings) Merge(override Settings) Settings {
	if override.ReportType != "" {
		s.ReportType = override.ReportType
	}
	if override.ReportSource != "" {
		s.ReportSource = override.ReportSource
	}
	if override.Tone != "" {
		s.Tone = override.Tone
	}
	if len(override.QueryDomains) > 0 {
		s.QueryDomains = override.QueryDomains
	}
	if len(override.SourceURLs) > 0 {
		s.SourceURLs = override.SourceURLs
	}
	if override.MCPStrategy != "" {
		s.MCPStrategy = override.MCPStrategy
	}
	if len(override.MCPConfigs) > 0 {
		s.MCPConfigs = override.MCPConfigs
	}
	return s
}

// WithDefaults fills unset report fields.
func (s Settings) WithDefaults() Settings {
	return Settings{
		ReportType:   DefaultReportType,
		ReportSource: DefaultReportSource,
		Tone:         DefaultTone,
	}.Merge(s)
}

// Static is a Store over fixed values.
type Static Settings

func (s Static) Load(context.Context) (Settings, error) { return Settings(s), nil }

// Open picks a store by file extension: .db, .sqlite and .sqlite3 are read
// as SQLite key-value tables, anything else as YAML. An empty path yields an
// empty Static store.
func Open(path string) Store {
	if path == "" {
		return Static{}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return &SQLiteStore{Path: path}
	default:
		return &FileStore{Path: path}
	}
}
