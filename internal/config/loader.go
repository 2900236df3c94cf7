package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format is a config file encoding, chosen by file extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor returns the format implied by path's extension.
// .json and .jsonc both parse as JSON with comments.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported config extension: %q", filepath.Ext(path))
}

// Loader reads config snapshots from one file.
type Loader struct {
	Path string
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	return &Loader{Path: path}
}

// ReadSnapshot reads and parses the file into a generic tree.
func (l *Loader) ReadSnapshot() (map[string]any, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	format, err := FormatFor(l.Path)
	if err != nil {
		return nil, err
	}
	return Parse(data, format)
}

// Load reads the file and returns both the typed config and the raw snapshot.
func (l *Loader) Load() (*Config, map[string]any, error) {
	snap, err := l.ReadSnapshot()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", l.Path, err)
	}
	return cfg, snap, nil
}

// Parse decodes data into a generic tree. Every format is normalized
// through JSON so numbers are float64 and objects are map[string]any,
// which keeps snapshots from different formats comparable.
func Parse(data []byte, format Format) (map[string]any, error) {
	var raw any

	switch format {
	case FormatJSON:
		stripped := jsonc.ToJSON(data)
		if len(bytes.TrimSpace(stripped)) == 0 {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal(stripped, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		raw = m
	default:
		return nil, fmt.Errorf("unsupported config format: %q", format)
	}

	if raw == nil {
		return map[string]any{}, nil
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("config root must be an object, got %T", raw)
	}
	return normalize(raw)
}

func normalize(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}
	return out, nil
}

// ToSnapshot converts a typed config into the generic tree the reload
// planner diffs.
func ToSnapshot(cfg *Config) (map[string]any, error) {
	return normalize(cfg)
}

// Encode renders cfg in the given format.
func Encode(cfg *Config, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return append(data, '\n'), nil
	}

	// YAML and TOML go through the snapshot so they share the JSON names.
	snap, err := ToSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return data, nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
			return nil, fmt.Errorf("failed to marshal TOML: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported config format: %q", format)
}
