package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/env"
)

func TestNew_ConsoleLevels(t *testing.T) {
	var dev, prod bytes.Buffer

	New(env.Development, WithConsole(&dev)).Debug("Freezing signature", "signature", "serving_default")
	New(env.Production, WithConsole(&prod)).Debug("Freezing signature")

	assert.Contains(t, dev.String(), "Freezing signature")
	assert.Contains(t, dev.String(), "signature=serving_default")
	assert.Empty(t, prod.String())
}

func TestNew_LevelOverride(t *testing.T) {
	var buf bytes.Buffer
	log := New(env.Development, WithConsole(&buf), WithLevel(slog.LevelWarn))

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_LogToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "tfconv.log")

	log := New(env.Production,
		WithConsole(&console),
		WithLogToFile(true),
		WithLogFile(path),
	).With("run", 1)
	log.Info("Saved TFLite", "path", "model.tflite")

	assert.Contains(t, console.String(), "Saved TFLite")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "Saved TFLite", entry["msg"])
	assert.Equal(t, "model.tflite", entry["path"])
	assert.Equal(t, float64(1), entry["run"])
}
