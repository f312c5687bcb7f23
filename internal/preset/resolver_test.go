package preset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlqueued/internal/storage"
)

func strptr(s string) *string { return &s }

func TestResolveFallsThroughWhenUnset(t *testing.T) {
	defaults := Defaults{Folder: "misc", Template: "%(title)s.%(ext)s", CLI: "--no-playlist"}
	eff := Resolve(defaults, nil, Overrides{})
	assert.Equal(t, "misc", eff.Folder)
	assert.Equal(t, "--no-playlist", eff.CLI)
}

func TestResolvePresetOverridesDefaults(t *testing.T) {
	defaults := Defaults{Folder: "misc", Template: "def", CLI: "--no-playlist"}
	p := &storage.Preset{Name: "audio", Folder: "music", CLI: "-x"}
	eff := Resolve(defaults, p, Overrides{})
	assert.Equal(t, "audio", eff.Preset)
	assert.Equal(t, "music", eff.Folder)
	assert.Equal(t, "--no-playlist -x", eff.CLI)
}

func TestResolvePerItemOverridesWinOverPreset(t *testing.T) {
	defaults := Defaults{Folder: "misc", CLI: "--no-playlist"}
	p := &storage.Preset{Name: "audio", Folder: "music", CLI: "-x"}
	eff := Resolve(defaults, p, Overrides{
		Folder: strptr("custom"),
		CLI:    strptr("--rate-limit 1M"),
	})
	assert.Equal(t, "custom", eff.Folder)
	assert.Equal(t, "--no-playlist -x --rate-limit 1M", eff.CLI)
}

func TestApplyConditionsAppendsMatchingCLIInPriorityOrder(t *testing.T) {
	eff := Effective{CLI: "--base"}
	conditions := []storage.Condition{
		{Name: "shorts", Filter: "duration < 60", CLI: "--short-flag", Enabled: true, Priority: 1},
		{Name: "4k", Filter: "height >= 2160", CLI: "--prefer-4k", Enabled: true, Priority: 2},
		{Name: "disabled", Filter: "duration < 60", CLI: "--never", Enabled: false, Priority: 0},
	}
	info := map[string]any{"duration": 30.0, "height": 2160.0}

	result, matched := ApplyConditions(eff, conditions, info)
	assert.Equal(t, "--base --short-flag --prefer-4k", result.CLI)
	assert.Equal(t, []string{"shorts", "4k"}, matched)
}

func TestTokensSplitsShellStyle(t *testing.T) {
	toks, err := Tokens(`--cookies 'my file.txt' --no-playlist`)
	require.NoError(t, err)
	assert.Equal(t, []string{"--cookies", "my file.txt", "--no-playlist"}, toks)
}

func TestTokensEmptyIsNil(t *testing.T) {
	toks, err := Tokens("   ")
	require.NoError(t, err)
	assert.Nil(t, toks)
}
