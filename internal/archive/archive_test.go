package archive

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingFileIsEmpty(t *testing.T) {
	m := NewManager()
	entries, err := m.Read(filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendSkipsDuplicates(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "archive.txt")

	added, err := m.Append(path, []string{"youtube abc", "youtube def"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube abc", "youtube def"}, added)

	added, err = m.Append(path, []string{"youtube def", "youtube ghi"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube ghi"}, added)

	all, err := m.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube abc", "youtube def", "youtube ghi"}, all)
}

func TestAppendSkipCheckAllowsDuplicates(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "archive.txt")

	_, err := m.Append(path, []string{"a"}, false)
	require.NoError(t, err)
	added, err := m.Append(path, []string{"a"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, added)

	all, err := m.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, all)
}

func TestRemoveRewritesWithoutEntries(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "archive.txt")
	_, err := m.Append(path, []string{"a", "b", "c"}, false)
	require.NoError(t, err)

	removed, err := m.Remove(path, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, removed)

	remaining, err := m.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, remaining)
}

func TestConcurrentAppendsToSamePathAreSerialized(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "archive.txt")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.Append(path, []string{fmt.Sprintf("extractor id-%d", n)}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := m.Read(path)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}
