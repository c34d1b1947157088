package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Config holds the settings of a conversion run.
type Config struct {
	Version         string    `json:"version"                     yaml:"version"`
	InputPath       string    `json:"input_path"                  yaml:"input_path"`
	OutputPath      string    `json:"output_path"                 yaml:"output_path"`
	FrozenGraphPath string    `json:"frozen_graph_path,omitempty" yaml:"frozen_graph_path,omitempty"`
	Signatures      []string  `json:"signatures"                  yaml:"signatures"`
	Tags            []string  `json:"tags"                        yaml:"tags"`
	Log             LogConfig `json:"log,omitempty"               yaml:"log,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty"   yaml:"level,omitempty"`
	ToFile bool   `json:"to_file,omitempty" yaml:"to_file,omitempty"`
	File   string `json:"file,omitempty"    yaml:"file,omitempty"`
}

var (
	// ErrMissingInput is returned when no SavedModel directory is configured.
	ErrMissingInput = errors.New("config: input_path is required")

	// ErrMissingOutput is returned when no output file is configured.
	ErrMissingOutput = errors.New("config: output_path is required")

	// ErrSameOutput is returned when the frozen graph would overwrite the model.
	ErrSameOutput = errors.New("config: frozen_graph_path must differ from output_path")
)

// Validate checks the invariants the schema cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InputPath) == "" {
		return ErrMissingInput
	}
	if strings.TrimSpace(c.OutputPath) == "" {
		return ErrMissingOutput
	}
	if c.FrozenGraphPath != "" && c.FrozenGraphPath == c.OutputPath {
		return ErrSameOutput
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses Level. An empty level is info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}
