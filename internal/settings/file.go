package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore reads settings from a YAML document. The mcp_configs key may hold
// any YAML value; it is re-encoded as JSON for the wire.
type FileStore struct {
	Path string
}

type fileDoc struct {
	Settings   `yaml:",inline"`
	MCPConfigs any `yaml:"mcp_configs"`
}

func (f *FileStore) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", f.Path, err)
	}
	s := doc.Settings
	if doc.MCPConfigs != nil {
		raw, err := json.Marshal(doc.MCPConfigs)
		if err != nil {
			return Settings{}, fmt.Errorf("encode mcp_configs: %w", err)
		}
		s.MCPConfigs = raw
	}
	return s, nil
}
