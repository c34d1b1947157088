package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/tfconv/internal/envvar"
	"github.com/ekisa-team/tfconv/internal/xfs"
)

//go:embed schema.json
var embeddedSchema []byte

const embeddedSchemaURL = "tfconv://config/schema.json"

// LoadAndValidate loads the config file at path, validates it against the
// schema at schemaPath (the embedded schema when empty) and overlays it on
// Default. Environment overrides are not applied.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	return config, nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(embeddedSchemaURL, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(embeddedSchemaURL)
}

// Load resolves the effective configuration: the file at path (or Default
// when path is empty), then environment overrides, then tilde expansion.
// A missing file at the default location is not an error.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)

	switch {
	case path != "":
		cfg, err = LoadAndValidate(xfs.ExpandTilde(path), "")
	case fileExists(DefaultConfigPath()):
		cfg, err = LoadAndValidate(DefaultConfigPath(), "")
	default:
		cfg = Default()
	}
	if err != nil {
		return nil, err
	}

	ApplyEnv(cfg)
	cfg.ExpandPaths()

	return cfg, nil
}

// ApplyEnv overrides cfg with the TFCONV_* variables that are set.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(envvar.TfconvInputPath); ok && v != "" {
		cfg.InputPath = v
	}
	if v, ok := os.LookupEnv(envvar.TfconvOutputPath); ok && v != "" {
		cfg.OutputPath = v
	}
	if v, ok := os.LookupEnv(envvar.TfconvLogFile); ok && v != "" {
		cfg.Log.File = v
		cfg.Log.ToFile = true
	}
}

// ExpandPaths expands a leading ~ in every path field.
func (c *Config) ExpandPaths() {
	c.InputPath = xfs.ExpandTilde(c.InputPath)
	c.OutputPath = xfs.ExpandTilde(c.OutputPath)
	c.FrozenGraphPath = xfs.ExpandTilde(c.FrozenGraphPath)
	c.Log.File = xfs.ExpandTilde(c.Log.File)
}

// ConfigPath returns explicit if set, else TFCONV_CONFIG.
func ConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(envvar.TfconvConfig)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
