package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer, level Level) *Logger {
	return NewLogger(&Config{
		Level:  level,
		Format: "json",
		Output: buf,
		Sync:   true,
	})
}

func TestLevelsFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, LevelWarn)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept warn")
	l.Error("kept error")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept warn")
	assert.Contains(t, out, "kept error")
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, LevelDebug)

	l.WithMailbox(0).WithSeq(42).WithOpcode("FIRMWARE_INFO").
		Info("command sent", "retval", 7)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, float64(0), record["mailbox"])
	assert.Equal(t, float64(42), record["seq"])
	assert.Equal(t, "FIRMWARE_INFO", record["opcode"])
	assert.Equal(t, float64(7), record["retval"])
	assert.Equal(t, "command sent", record["message"])
}

func TestPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, LevelDebug)

	l.Warnf("dropped reverse event code %#x", 0x601)
	assert.Contains(t, buf.String(), "0x601")
}

func TestOddKeyValuePairsIgnoredGracefully(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, LevelDebug)

	// Trailing key without a value must not panic.
	l.Info("msg", "key1", 1, "dangling")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestDefaultLoggerSwap(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(newTestLogger(&buf, LevelInfo))
	Info("through default")
	assert.Contains(t, buf.String(), "through default")
}
