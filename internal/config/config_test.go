package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.MaxWorkersPerExtractor)
	assert.Equal(t, "default", cfg.DefaultPreset)
	assert.True(t, filepath.IsAbs(cfg.DownloadPath))
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DLQUEUED_MAX_WORKERS", "8")
	t.Setenv("DLQUEUED_MAX_WORKERS_FOR_YOUTUBE", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 1, cfg.WorkersFor("YouTube"))
	assert.Equal(t, cfg.MaxWorkersPerExtractor, cfg.WorkersFor("vimeo"))
}

func TestLoadFileOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DLQUEUED_MAX_WORKERS", "8")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_workers": 16, "default_preset": "archive"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, "archive", cfg.DefaultPreset)
}

func TestLoadRejectsNonPositiveWorkers(t *testing.T) {
	clearEnv(t)
	t.Setenv("DLQUEUED_MAX_WORKERS", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if len(kv) > len(envPrefix) && kv[:len(envPrefix)] == envPrefix {
			key := kv[:indexOf(kv, '=')]
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
