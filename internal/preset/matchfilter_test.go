package preset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilterEmptyAlwaysMatches(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"duration": 12.0}))
}

func TestEqualityAndOrdering(t *testing.T) {
	f, err := ParseFilter("duration > 60")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"duration": 120.0}))
	assert.False(t, f.Match(map[string]any{"duration": 30.0}))

	f, err = ParseFilter("extractor = 'youtube'")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"extractor": "youtube"}))
	assert.False(t, f.Match(map[string]any{"extractor": "vimeo"}))
}

func TestNotEquals(t *testing.T) {
	f, err := ParseFilter("extractor != 'youtube'")
	require.NoError(t, err)
	assert.False(t, f.Match(map[string]any{"extractor": "youtube"}))
	assert.True(t, f.Match(map[string]any{"extractor": "vimeo"}))
}

func TestRegexMatch(t *testing.T) {
	f, err := ParseFilter("title ~= '^Official'")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"title": "Official Trailer"}))
	assert.False(t, f.Match(map[string]any{"title": "Leaked Trailer"}))
}

func TestKeyPresence(t *testing.T) {
	f, err := ParseFilter("thumbnail?")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"thumbnail": "x"}))
	assert.False(t, f.Match(map[string]any{}))
}

func TestNegationOfBareKey(t *testing.T) {
	f, err := ParseFilter("!is_live")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"is_live": false}))
	assert.True(t, f.Match(map[string]any{}))
	assert.False(t, f.Match(map[string]any{"is_live": true}))
}

func TestAndOrParens(t *testing.T) {
	f, err := ParseFilter("(duration > 60 & extractor = 'youtube') | thumbnail?")
	require.NoError(t, err)
	assert.True(t, f.Match(map[string]any{"duration": 120.0, "extractor": "youtube"}))
	assert.True(t, f.Match(map[string]any{"thumbnail": "y"}))
	assert.False(t, f.Match(map[string]any{"duration": 10.0, "extractor": "youtube"}))
}

func TestUnknownKeyComparisonIsFalse(t *testing.T) {
	f, err := ParseFilter("missing_key > 5")
	require.NoError(t, err)
	assert.False(t, f.Match(map[string]any{"duration": 100.0}))
}
