package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/queue"
	"dlqueued/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(t *testing.T) (*Driver, *queue.Manager, *storage.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		DownloadPath:        filepath.Join(dir, "downloads"),
		TempPath:            filepath.Join(dir, "tmp"),
		ConfigPath:          filepath.Join(dir, "config"),
		ExtractInfoTimeout:  time.Second,
		PreventLivePremiere: true,
	}

	store, err := storage.OpenInMemory()
	require.NoError(t, err)

	am := archive.NewManager()
	cache, err := extractorcache.New(64, time.Minute)
	require.NoError(t, err)
	bus := eventbus.New(nil)
	qm := queue.New(bus, 2)

	d := NewDriver(cfg, store, am, cache, bus, qm, testLogger(), "dl-tool")
	return d, qm, store
}

func addQueued(t *testing.T, store *storage.Store, qm *queue.Manager, id, url string) *queue.Item {
	t.Helper()
	return addQueuedWithCLI(t, store, qm, id, url, "")
}

func addQueuedWithCLI(t *testing.T, store *storage.Store, qm *queue.Manager, id, url, cli string) *queue.Item {
	t.Helper()
	_, err := store.AddToQueue(&storage.Item{ID: id, URL: url, Status: string(queue.StatusPending), CLI: cli})
	require.NoError(t, err)
	item := &queue.Item{ID: id, URL: url, Status: queue.StatusPending, CLI: cli}
	qm.Add(item)
	return item
}

func TestDriverFinishesSuccessfully(t *testing.T) {
	d, qm, store := newTestDriver(t)
	archivePath := filepath.Join(t.TempDir(), "archive.txt")
	addQueuedWithCLI(t, store, qm, "a", "https://example.com/video", "--download-archive "+archivePath)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := qm.Claim(ctx)
	require.NoError(t, err)

	d.Extract = func(ctx context.Context, url string, args []string) (map[string]any, error) {
		return map[string]any{"extractor": "generic", "id": "vid1", "title": "A Video"}, nil
	}
	d.Download = func(ctx context.Context, url string, args []string, workDir string, onLine func(stream, line string)) error {
		return os.WriteFile(filepath.Join(workDir, "a.mp4"), []byte("data"), 0o644)
	}

	d.Run(ctx, claimed, nil)

	hist, err := store.ListHistory(0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "finished", hist[0].Status)
	assert.Equal(t, "generic", hist[0].Extractor)
	assert.Contains(t, hist[0].Filename, "a.mp4")

	entries, err := d.Archive.Read(archivePath)
	require.NoError(t, err)
	assert.Contains(t, entries, "generic vid1")
}

func TestDriverSkipsArchivedItem(t *testing.T) {
	d, qm, store := newTestDriver(t)
	archivePath := filepath.Join(t.TempDir(), "archive.txt")
	_, err := d.Archive.Append(archivePath, []string{"generic vid1"}, false)
	require.NoError(t, err)

	addQueuedWithCLI(t, store, qm, "a", "https://example.com/video", "--download-archive "+archivePath)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := qm.Claim(ctx)
	require.NoError(t, err)

	d.Extract = func(ctx context.Context, url string, args []string) (map[string]any, error) {
		return map[string]any{"extractor": "generic", "id": "vid1"}, nil
	}
	downloadCalled := false
	d.Download = func(ctx context.Context, url string, args []string, workDir string, onLine func(stream, line string)) error {
		downloadCalled = true
		return nil
	}

	d.Run(ctx, claimed, nil)

	assert.False(t, downloadCalled)
	hist, err := store.ListHistory(0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "skip", hist[0].Status)
}

func TestDriverMarksUnstartedPremiereNotLive(t *testing.T) {
	d, qm, store := newTestDriver(t)
	addQueued(t, store, qm, "a", "https://example.com/video")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := qm.Claim(ctx)
	require.NoError(t, err)

	d.Extract = func(ctx context.Context, url string, args []string) (map[string]any, error) {
		return map[string]any{"extractor": "generic", "live_status": "is_upcoming"}, nil
	}

	d.Run(ctx, claimed, nil)

	hist, err := store.ListHistory(0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "not_live", hist[0].Status)
}

func TestDriverRecordsErrorOnDownloadFailure(t *testing.T) {
	d, qm, store := newTestDriver(t)
	addQueued(t, store, qm, "a", "https://example.com/video")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := qm.Claim(ctx)
	require.NoError(t, err)

	d.Extract = func(ctx context.Context, url string, args []string) (map[string]any, error) {
		return map[string]any{"extractor": "generic"}, nil
	}
	d.Download = func(ctx context.Context, url string, args []string, workDir string, onLine func(stream, line string)) error {
		onLine("stderr", "ERROR: network unreachable")
		return assertError{}
	}

	d.Run(ctx, claimed, nil)

	hist, err := store.ListHistory(0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "error", hist[0].Status)
	assert.Contains(t, hist[0].Error, "network unreachable")
}

type assertError struct{}

func (assertError) Error() string { return "download failed" }
