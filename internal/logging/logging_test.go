package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelDebug, true)
	defer Init(nil, slog.LevelInfo, false)

	logger := NewComponentLogger("test-component")
	logger.Info("hello %s", "world")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello world", rec["msg"])
	require.Equal(t, "test-component", rec["component"])
}

func TestComponentLoggerWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelDebug, true)
	defer Init(nil, slog.LevelInfo, false)

	logger := NewComponentLogger("wrapper").With("mcp_id", "abc123")
	logger.Warn("retrying")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "abc123", rec["mcp_id"])
}

func TestComponentLoggerTextFormatSuppressesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelWarn, false)
	defer Init(nil, slog.LevelInfo, false)

	logger := NewComponentLogger("quiet")
	logger.Debug("should not appear")
	require.Empty(t, buf.String())

	logger.Error("should appear")
	require.True(t, strings.Contains(buf.String(), "should appear"))
}

func TestSectionWriterPlainOutputHasNoEscapeCodes(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSectionWriter(&buf, false)
	sw.Section("Starting")
	sw.Success("container up")

	out := buf.String()
	require.Contains(t, out, "Starting")
	require.Contains(t, out, "✓")
	require.NotContains(t, out, "\x1b[")
}
