package obslog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuild_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := Build(Options{Level: "debug", Console: true, ConsoleWriter: &buf, Format: "json"})
	require.NoError(t, err)

	l.Debug("room_host_elected", zap.String("room_id", "abc1"), zap.Int64("version", 3))
	require.NoError(t, l.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "room_host_elected", line["msg"])
	require.Equal(t, "abc1", line["room_id"])
	require.Equal(t, "debug", line["level"])
}

func TestBuild_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := Build(Options{Level: "warn", Console: true, ConsoleWriter: &buf, Format: "json"})
	require.NoError(t, err)
	l.Info("dropped")
	require.Zero(t, buf.Len())
}

func TestReplace_Restores(t *testing.T) {
	prev := L()
	l := zap.NewExample()
	restore := Replace(l)
	require.Same(t, l, L())
	restore()
	require.Same(t, prev, L())
}
