package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "logs")

		logger, err := NewLogger(dir, LevelDebug)
		require.NoError(t, err)
		logger.Info("hello")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(filepath.Join(dir, LogFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"hello"`)
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		require.NoError(t, err)
		assert.Nil(t, logger.sink)
		assert.NoError(t, logger.Close())
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "w", lines[0]["msg"])
	assert.Equal(t, "e", lines[1]["msg"])
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf, LevelDebug)

	child := base.WithRun("run-1").WithNode("planner").WithRole("planner").With("attempt", 2)
	child.Info("node completed", "revision", 3)
	base.Info("no context")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "planner", lines[0]["node"])
	assert.Equal(t, "planner", lines[0]["role"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
	assert.EqualValues(t, 3, lines[0]["revision"])
	assert.NotContains(t, lines[1], "run_id")
}

func TestWith_IgnoresNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo).With(42, "x", "ok", true)
	logger.Info("m")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, true, lines[0]["ok"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
		"Warning": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, []string{LevelDebug, LevelInfo, LevelWarn, LevelError}, ValidLevels())
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded")
	assert.NoError(t, logger.WithRun("r").Close())
}
