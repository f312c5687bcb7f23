package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlqueued/internal/eventbus"
)

func TestNewWritesJSONAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := New(dir, &console, nil)
	require.NoError(t, err)

	logger.Info("queue started", "workers", 4)

	assert.Contains(t, console.String(), "queue started")

	raw, err := os.ReadFile(filepath.Join(dir, "app.json"))
	require.NoError(t, err)

	var rec map[string]any
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.NotEmpty(t, lines)
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	assert.Equal(t, "queue started", rec["msg"])
	assert.Equal(t, float64(4), rec["workers"])
}

func TestBusHandlerPublishesWarnAndError(t *testing.T) {
	bus := eventbus.New(nil)
	var got []eventbus.Kind
	var mu bool
	bus.Subscribe(nil, func(ev eventbus.Event) {
		mu = true
		got = append(got, ev.Kind)
	})

	dir := t.TempDir()
	logger, err := New(dir, &bytes.Buffer{}, bus)
	require.NoError(t, err)

	logger.Warn("disk space low")
	logger.Error("extraction failed")

	require.Eventually(t, func() bool { return mu && len(got) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, eventbus.LogWarning, got[0])
	assert.Equal(t, eventbus.LogError, got[1])
}

func TestBusHandlerSkipsDebugButNotInfo(t *testing.T) {
	bus := eventbus.New(nil)
	handler := NewBusHandler(bus)
	assert.False(t, handler.Enabled(nil, slog.LevelDebug))
	assert.True(t, handler.Enabled(nil, slog.LevelInfo))
}
