package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dlqueued/internal/apierr"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/preset"
	"dlqueued/internal/queue"
	"dlqueued/internal/storage"
	"dlqueued/internal/urlsource"
)

// --- queue ---

type enqueueRequest struct {
	URL       string  `json:"url"`
	Preset    string  `json:"preset,omitempty"`
	Folder    *string `json:"folder,omitempty"`
	Template  *string `json:"template,omitempty"`
	CLI       *string `json:"cli,omitempty"`
	Cookies   *string `json:"cookies,omitempty"`
	AutoStart bool    `json:"auto_start,omitempty"`
}

type batchEnqueueRequest struct {
	URLs []string `json:"urls"`
	enqueueRequest
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	item, err := s.enqueueOne(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var req batchEnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, apierr.Validation("urls must be non-empty"))
		return
	}
	items := make([]*queue.Item, 0, len(req.URLs))
	for i, u := range req.URLs {
		single := req.enqueueRequest
		single.URL = u
		item, err := s.enqueueOneAt(single, i)
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusCreated, items)
}

func (s *Server) enqueueOne(req enqueueRequest) (*queue.Item, error) {
	return s.enqueueOneAt(req, 0)
}

func (s *Server) enqueueOneAt(req enqueueRequest, subIndex int) (*queue.Item, error) {
	if req.URL == "" {
		return nil, apierr.Validation("url is required")
	}
	ov := preset.Overrides{Folder: req.Folder, Template: req.Template, CLI: req.CLI, Cookies: req.Cookies}
	eff, err := s.resolveEffective(req.Preset, ov)
	if err != nil {
		return nil, err
	}
	if err := preset.ValidateFolder(s.Config.DownloadPath, eff.Folder); err != nil {
		return nil, apierr.Validation("%v", err)
	}

	status := queue.StatusPaused
	if req.AutoStart {
		status = queue.StatusPending
	}
	item := &queue.Item{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		SubIndex:  subIndex,
		Preset:    eff.Preset,
		Folder:    eff.Folder,
		Template:  eff.Template,
		CLI:       eff.CLI,
		Cookies:   eff.Cookies,
		AutoStart: req.AutoStart,
	}
	if _, err := s.Store.AddToQueue(&storage.Item{
		ID: item.ID, URL: item.URL, Status: string(item.Status), CreatedAt: item.CreatedAt,
		Preset: item.Preset, Folder: item.Folder, Template: item.Template, CLI: item.CLI, Cookies: item.Cookies,
		AutoStart: item.AutoStart,
	}); err != nil {
		return nil, err
	}
	s.Queue.Add(item)
	return item, nil
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queue.Snapshot())
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Store.ListHistory(offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	s.Queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	s.Queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.Queue.Cancel(id)
	if err != nil {
		writeError(w, apierr.Conflict("%v", err))
		return
	}
	s.Pool.CancelItem(id) // best-effort: stops an in-flight subprocess if one is running

	patch := map[string]any{"status": string(item.Status)}
	if _, err := s.Store.UpdateQueueItem(id, patch); err == nil {
		_, _ = s.Store.MoveToHistory(id)
	}
	s.Bus.Publish(eventbus.ItemCancelled, eventbus.ItemPayload{ID: id, Status: string(item.Status)})
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePauseItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.Queue.PauseItem(id)
	if err != nil {
		writeError(w, apierr.Conflict("%v", err))
		return
	}
	_, _ = s.Store.UpdateQueueItem(id, map[string]any{"status": string(item.Status)})
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStartItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.Queue.StartItem(id)
	if err != nil {
		writeError(w, apierr.Conflict("%v", err))
		return
	}
	_, _ = s.Store.UpdateQueueItem(id, map[string]any{"status": string(item.Status)})
	writeJSON(w, http.StatusOK, item)
}

// handleDeleteItem implements delete(ids, where, remove_file) from spec.md
// §6: the item row is always removed from whichever table holds it;
// remove_file additionally unlinks its downloaded file, gated on
// Config.RemoveFiles, treating an already-missing file as success.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, _ = s.Queue.Cancel(id) // best-effort, item may already be gone from the waiting set
	s.Pool.CancelItem(id)

	removeFile, _ := strconv.ParseBool(r.URL.Query().Get("remove_file"))

	item, table, err := s.Store.FindItem(id)
	if err != nil {
		writeError(w, err)
		return
	}

	switch table {
	case "queue":
		err = s.Store.DeleteFromQueue(id)
	case "history":
		err = s.Store.DeleteFromHistory(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if removeFile && s.Config.RemoveFiles && item.Filename != "" {
		if err := os.Remove(item.Filename); err != nil && !os.IsNotExist(err) {
			writeError(w, apierr.Internal("remove file: %v", err))
			return
		}
	}

	s.Bus.Publish(eventbus.ItemDeleted, eventbus.ItemPayload{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMove(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var ok bool
		switch direction {
		case "first":
			ok = s.Queue.MoveToFirst(id)
		case "last":
			ok = s.Queue.MoveToLast(id)
		case "prev":
			ok = s.Queue.MoveToPrev(id)
		case "next":
			ok = s.Queue.MoveToNext(id)
		}
		if !ok {
			writeError(w, apierr.NotFound("item %s not in the waiting set", id))
			return
		}
		s.Bus.Publish(eventbus.ItemMoved, eventbus.MovedPayload{ID: id})
		w.WriteHeader(http.StatusOK)
	}
}

// --- presets ---

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	out, err := s.Store.ListPresets()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var p storage.Preset
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if p.Name == "" {
		writeError(w, apierr.Validation("name is required"))
		return
	}
	created, err := s.Store.CreatePreset(&p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("presets", "create")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePreset(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	var patch map[string]any
	if err := decodeJSONMap(r, &patch); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	updated, err := s.Store.UpdatePreset(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("presets", "update")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	if err := s.Store.DeletePreset(id); err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("presets", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- conditions ---

func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	out, err := s.Store.ListConditions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	var c storage.Condition
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if _, err := preset.ParseFilter(c.Filter); err != nil {
		writeError(w, apierr.Validation("invalid filter: %v", err))
		return
	}
	created, err := s.Store.CreateCondition(&c)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("conditions", "create")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	var patch map[string]any
	if err := decodeJSONMap(r, &patch); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	updated, err := s.Store.UpdateCondition(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("conditions", "update")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	if err := s.Store.DeleteCondition(id); err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("conditions", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.Store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t storage.Task
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if t.URL == "" {
		writeError(w, apierr.Validation("url is required"))
		return
	}
	created, err := s.Store.CreateTask(&t)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("tasks", "create")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	var patch map[string]any
	if err := decodeJSONMap(r, &patch); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	updated, err := s.Store.UpdateTask(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("tasks", "update")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	if err := s.Store.DeleteTask(id); err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("tasks", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskMarkAll implements task_mark_all/task_unmark_all: resolve the
// task's current candidates exactly as a scheduled run would, then
// bulk-append (mark) or bulk-remove (unmark) their archive IDs without ever
// downloading anything.
func (s *Server) handleTaskMarkAll(mark bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, apierr.Validation("%v", err))
			return
		}
		tasks, err := s.Store.ListTasks()
		if err != nil {
			writeError(w, err)
			return
		}
		var task *storage.Task
		for i := range tasks {
			if tasks[i].ID == id {
				task = &tasks[i]
				break
			}
		}
		if task == nil {
			writeError(w, apierr.NotFound("no such task %d", id))
			return
		}

		archivePath, err := s.Scheduler.ArchivePathForTask(*task)
		if err != nil {
			writeError(w, err)
			return
		}
		if archivePath == "" {
			writeError(w, apierr.Validation("task %q has no download_archive configured", task.Name))
			return
		}

		candidates, _, err := s.Scheduler.ResolveCandidates(r.Context(), *task)
		if err != nil {
			writeError(w, apierr.Extraction(err.Error(), err))
			return
		}
		var ids []string
		for _, c := range candidates {
			if c.ArchiveID != "" {
				ids = append(ids, c.ArchiveID)
			}
		}

		var affected []string
		if mark {
			affected, err = s.Archive.Append(archivePath, ids, false)
		} else {
			affected, err = s.Archive.Remove(archivePath, ids)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"affected": affected, "total_candidates": len(ids)})
	}
}

// --- notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.Store.ListNotificationTargets()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var n storage.NotificationTarget
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	created, err := s.Store.CreateNotificationTarget(&n)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("notifications", "create")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, apierr.Validation("%v", err))
		return
	}
	if err := s.Store.DeleteNotificationTarget(id); err != nil {
		writeError(w, err)
		return
	}
	s.publishConfigUpdate("notifications", "delete")
	w.WriteHeader(http.StatusNoContent)
}

// --- archive ---

type archiveRequest struct {
	Path      string   `json:"path"`
	Entries   []string `json:"entries,omitempty"`
	SkipCheck bool     `json:"skip_check,omitempty"`
}

func (s *Server) handleArchiveRead(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	entries, err := s.Archive.Read(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleArchiveAppend(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	added, err := s.Archive.Append(req.Path, req.Entries, req.SkipCheck)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleArchiveRemove(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	removed, err := s.Archive.Remove(req.Path, req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// --- info / inspect ---

type getInfoRequest struct {
	URL    string `json:"url"`
	Preset string `json:"preset,omitempty"`
	CLI    string `json:"cli,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	var req getInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if req.URL == "" {
		writeError(w, apierr.Validation("url is required"))
		return
	}
	if s.Extract == nil {
		writeError(w, apierr.Internal("no extractor configured"))
		return
	}

	var cliOverride *string
	if req.CLI != "" {
		cliOverride = &req.CLI
	}
	eff, err := s.resolveEffective(req.Preset, preset.Overrides{CLI: cliOverride})
	if err != nil {
		writeError(w, err)
		return
	}
	tokens, err := preset.Tokens(eff.CLI)
	if err != nil {
		writeError(w, apierr.Validation("invalid cli: %v", err))
		return
	}

	key := extractorcache.Key(req.URL, req.Preset, tokens)
	if req.Force {
		s.Cache.Invalidate(key)
	}
	result, err := s.Cache.Get(r.Context(), key, req.URL, func(ctx context.Context, url string) (any, error) {
		return s.Extract(ctx, url, tokens)
	})
	if err != nil {
		writeError(w, apierr.Extraction(err.Error(), err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"info":       result.Info,
		"hit":        result.Hit,
		"ttl_left":   result.TTLLeft.Seconds(),
		"expires_at": result.ExpiresAt,
	})
}

type inspectRequest struct {
	URL        string `json:"url"`
	Handler    string `json:"handler,omitempty"`
	StaticOnly bool   `json:"static_only,omitempty"`
}

// handleInspect implements spec.md §4.11's dry-run preview: resolve url to
// a URL Source (by name if handler is given, else by CanHandle) and, unless
// static_only forbids it, actually extract its candidates without enqueuing
// anything.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("invalid request body: %v", err))
		return
	}
	if req.URL == "" {
		writeError(w, apierr.Validation("url is required"))
		return
	}

	var source urlsource.Source
	if req.Handler != "" {
		source = s.Sources.ByName(req.Handler)
	} else {
		source = s.Sources.Resolve(req.URL)
	}
	if source == nil {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	if req.StaticOnly && !source.SupportsManualInspection() {
		writeJSON(w, http.StatusOK, map[string]any{
			"matched":     true,
			"name":        source.Name(),
			"inspectable": false,
		})
		return
	}

	candidates, err := source.Extract(r.Context(), req.URL, nil)
	if err != nil {
		writeError(w, apierr.Extraction(err.Error(), err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched":    true,
		"name":       source.Name(),
		"candidates": candidates,
	})
}

// --- workers ---

func (s *Server) handleWorkersSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Pool.Snapshot())
}

func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apierr.Validation("invalid worker id"))
		return
	}
	if err := s.Pool.Restart(id); err != nil {
		writeError(w, apierr.NotFound("%v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- shared helpers ---

func parseIDParam(r *http.Request) (uint, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.New("invalid id")
	}
	return uint(n), nil
}

func decodeJSONMap(r *http.Request, patch *map[string]any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(patch)
}
