package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/queue"
	"dlqueued/internal/scheduler"
	"dlqueued/internal/storage"
	"dlqueued/internal/urlsource"
	"dlqueued/internal/worker"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSource struct {
	name       string
	candidates []urlsource.Candidate
}

func (f fakeSource) Name() string                   { return f.name }
func (f fakeSource) CanHandle(url string) bool      { return url == "https://feed.example.com/channel" }
func (f fakeSource) SupportsManualInspection() bool { return true }
func (f fakeSource) Extract(ctx context.Context, url string, cli []string) ([]urlsource.Candidate, error) {
	return f.candidates, nil
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	cfg := &config.Config{ConfigPath: t.TempDir(), ExtractInfoTimeout: time.Second, PlaylistItemsConcurrency: 2, OutputTemplate: "%(title)s.%(ext)s"}
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	bus := eventbus.New(nil)
	qm := queue.New(bus, 2)
	am := archive.NewManager()
	cache, err := extractorcache.New(16, time.Minute)
	require.NoError(t, err)
	reg := urlsource.NewRegistry(fakeSource{name: "feedA", candidates: []urlsource.Candidate{{URL: "https://feed.example.com/1", ArchiveID: "feedA 1"}}})
	sched := scheduler.New(cfg, store, qm, am, reg, bus, testLogger())
	pool := worker.New(nil, qm, testLogger(), nil, 0)

	extract := func(ctx context.Context, url string, args []string) (map[string]any, error) {
		return map[string]any{"title": "fake title", "extractor": "generic"}, nil
	}

	s := New(cfg, store, qm, am, cache, reg, sched, pool, bus, extract, testLogger())
	return s, store
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleAddAndListQueue(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/queue", map[string]any{"url": "https://example.com/video"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "https://example.com/video", items[0]["URL"])
}

func TestHandleAddRejectsMissingURL(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/queue", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAddRejectsUnknownPreset(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/queue", map[string]any{"url": "https://example.com/video", "preset": "missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePauseAndStartItem(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/queue", map[string]any{"url": "https://example.com/video", "auto_start": true})
	var item map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	id := item["ID"].(string)

	rec = doRequest(t, s, http.MethodPost, "/v1/queue/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/queue/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCancelMovesItemToHistory(t *testing.T) {
	s, store := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/queue", map[string]any{"url": "https://example.com/video"})
	var item map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	id := item["ID"].(string)

	rec = doRequest(t, s, http.MethodPost, "/v1/queue/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.GetQueueItem(id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	hist, err := store.ListHistory(0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "cancelled", hist[0].Status)
}

func TestHandlePresetCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/presets", map[string]any{"Name": "archival", "Folder": "/data"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int(created["ID"].(float64))

	rec = doRequest(t, s, http.MethodGet, "/v1/presets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/v1/presets/"+strconv.Itoa(id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleArchiveAppendReadRemove(t *testing.T) {
	s, _ := newTestServer(t)
	path := t.TempDir() + "/archive.txt"

	rec := doRequest(t, s, http.MethodPost, "/v1/archive/append", map[string]any{"path": path, "entries": []string{"a", "b"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/archive/read", map[string]any{"path": path})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["entries"], 2)

	rec = doRequest(t, s, http.MethodPost, "/v1/archive/remove", map[string]any{"path": path, "entries": []string{"a"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetInfoUsesExtractFunc(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/info", map[string]any{"url": "https://example.com/video"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	info := resp["info"].(map[string]any)
	assert.Equal(t, "fake title", info["title"])
}

func TestHandleInspectResolvesRegisteredSource(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/inspect", map[string]any{"url": "https://feed.example.com/channel"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["matched"])
	assert.Equal(t, "feedA", resp["name"])
}

func TestHandleInspectReportsNoMatch(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/inspect", map[string]any{"url": "https://unknown.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["matched"])
}

func TestAuthMiddlewareRejectsWrongCredentials(t *testing.T) {
	cfg := &config.Config{ConfigPath: t.TempDir(), OutputTemplate: "x"}
	cfg.AuthUsername = "admin"
	cfg.AuthPassword = "secret"
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	bus := eventbus.New(nil)
	qm := queue.New(bus, 2)
	am := archive.NewManager()
	cache, err := extractorcache.New(16, time.Minute)
	require.NoError(t, err)
	reg := urlsource.NewRegistry()
	sched := scheduler.New(cfg, store, qm, am, reg, bus, testLogger())
	pool := worker.New(nil, qm, testLogger(), nil, 0)
	s := New(cfg, store, qm, am, cache, reg, sched, pool, bus, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

