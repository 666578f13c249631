package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel_FiltersBelowThreshold(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	var buf bytes.Buffer
	l := New(&buf)

	require.Equal(t, slog.LevelWarn, SetLevel("WARN"))
	l.Info("hidden")
	require.Zero(t, buf.Len())

	l.Warn("shown", "session_id", "s1")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "s1", entry["session_id"])
}

func TestSetLevel_UnknownDefaultsToInfo(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })
	require.Equal(t, slog.LevelInfo, SetLevel("verbose"))
}

func TestOr(t *testing.T) {
	require.Same(t, L, Or(nil))
	custom := New(&bytes.Buffer{})
	require.Same(t, custom, Or(custom))
}
