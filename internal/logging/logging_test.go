package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEntryShape(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("json", "info", &out)
	require.NoError(t, err)

	logger.With("component", "dispatch").Info("request accepted", "request_id", "42")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "request accepted", entry["msg"])
	assert.Equal(t, "dispatch", entry["component"])
	assert.Equal(t, "42", entry["request_id"])
}

func TestLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("json", "warn", &out)
	require.NoError(t, err)

	logger.Info("ignored")
	assert.Empty(t, out.String())

	logger.Warn("kept")
	assert.Contains(t, out.String(), "kept")
}

func TestTextFormat(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("text", "debug", &out)
	require.NoError(t, err)

	logger.Debug("callback delivered", "status", 202)
	line := out.String()
	assert.Contains(t, line, "callback delivered")
	assert.Contains(t, line, "status=202")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(line), "{"))
}

func TestInvalidSettings(t *testing.T) {
	_, err := New("yaml", "info", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("json", "loud", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
