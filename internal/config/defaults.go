package config

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/ekisa-team/tfconv/internal/savedmodel"
)

const (
	// CurrentVersion is the config format version written by Default.
	CurrentVersion = "1"

	// DefaultInputPath is the SavedModel directory used when none is configured.
	DefaultInputPath = "saved_model"

	// DefaultOutputPath is the TFLite file written when none is configured.
	DefaultOutputPath = "model_frozen.tflite"

	configFileName = "config.yaml"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version:    CurrentVersion,
		InputPath:  DefaultInputPath,
		OutputPath: DefaultOutputPath,
		Signatures: slices.Clone(savedmodel.DefaultPolicy),
		Tags:       []string{savedmodel.TagServe},
	}
}

// DefaultConfigPath returns the default path of the tfconv config file.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), configFileName)
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "tfconv")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "tfconv")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "tfconv")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "tfconv")
		}
		return filepath.Join(home, ".config", "tfconv")
	}
}
