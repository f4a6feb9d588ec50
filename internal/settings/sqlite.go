package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore reads a key-value table `settings(key TEXT, value TEXT)` from
// a database opened read-only. List keys hold a JSON array or a comma
// separated string; mcp_configs holds raw JSON.
type SQLiteStore struct {
	Path string
}

func (s *SQLiteStore) Load(ctx context.Context) (Settings, error) {
	if _, err := os.Stat(s.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("stat settings db: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", s.Path))
	if err != nil {
		return Settings{}, fmt.Errorf("open settings db: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var out Settings
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scan settings row: %w", err)
		}
		if err := out.set(key, value); err != nil {
			return Settings{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

func (s *Settings) set(key, value string) error {
	switch key {
	case "report_type":
		s.ReportType = value
	case "report_source":
		s.ReportSource = value
	case "tone":
		s.Tone = value
	case "query_domains":
		s.QueryDomains = splitList(value)
	case "source_urls":
		s.SourceURLs = splitList(value)
	case "mcp_strategy":
		s.MCPStrategy = value
	case "mcp_configs":
		if strings.TrimSpace(value) == "" {
			return nil
		}
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("settings key mcp_configs: invalid JSON")
		}
		s.MCPConfigs = json.RawMessage(value)
	}
	return nil
}

func splitList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "[") {
		var items []string
		if err := json.Unmarshal([]byte(value), &items); err == nil {
			return items
		}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
