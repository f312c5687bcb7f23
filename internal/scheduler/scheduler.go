// Package scheduler implements the Task Scheduler of spec.md §4.10: a
// cron-driven sweep over enabled tasks that resolves each task's URL
// through a URL Source, filters already-archived candidates, and enqueues
// the rest. Grounded on the teacher's internal/core/scheduler.go, which
// wraps robfig/cron/v3 around a fixed start/stop schedule; generalized
// here from two hard-coded daily jobs into one global tick that fans out
// to every enabled task, each with its own optional timer that can only
// narrow which global ticks it runs on.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/preset"
	"dlqueued/internal/queue"
	"dlqueued/internal/storage"
	"dlqueued/internal/urlsource"
)

// Scheduler ticks at Config.TasksHandlerTimer and, on each tick, resolves
// and enqueues candidates for every enabled task whose own timer (if any)
// also matches that tick.
type Scheduler struct {
	Config  *config.Config
	Store   *storage.Store
	Queue   *queue.Manager
	Archive *archive.Manager
	Sources *urlsource.Registry
	Bus     *eventbus.Bus
	Logger  *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	sem       chan struct{}
	taskLocks sync.Map // task ID -> *sync.Mutex, serializes ticks of the same task
}

// New builds a Scheduler. It does not start ticking until Start is called.
func New(cfg *config.Config, store *storage.Store, qm *queue.Manager, am *archive.Manager, sources *urlsource.Registry, bus *eventbus.Bus, logger *slog.Logger) *Scheduler {
	concurrency := cfg.PlaylistItemsConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		Config:  cfg,
		Store:   store,
		Queue:   qm,
		Archive: am,
		Sources: sources,
		Bus:     bus,
		Logger:  logger,
		cron:    cron.New(),
		sem:     make(chan struct{}, concurrency),
	}
}

// Start schedules the global tick and begins the cron scheduler. A blank
// tasks_handler_timer means "no schedule, handler-only" per spec.md §6:
// tasks are still reachable via a direct Tick call but nothing ticks.
func (s *Scheduler) Start() error {
	if strings.TrimSpace(s.Config.TasksHandlerTimer) == "" {
		return nil
	}
	id, err := s.cron.AddFunc(s.Config.TasksHandlerTimer, func() {
		s.Tick(time.Now())
	})
	if err != nil {
		return fmt.Errorf("scheduler: parse tasks_handler_timer %q: %w", s.Config.TasksHandlerTimer, err)
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler without waiting for in-flight task runs;
// callers that need a hard join should track their own completions via the
// event bus.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Tick fans out one scheduling pass across every enabled task whose own
// timer (if set) matches now. A task still mid-run from a previous tick is
// skipped rather than queued twice; cross-task concurrency is bounded by
// playlist_items_concurrency.
func (s *Scheduler) Tick(now time.Time) {
	tasks, err := s.Store.ListEnabledTasks()
	if err != nil {
		s.Logger.Error("scheduler: list tasks failed", "error", err)
		return
	}

	for _, task := range tasks {
		if strings.TrimSpace(task.Timer) != "" && !matchesTick(task.Timer, now) {
			continue
		}

		lock := s.lockFor(task.ID)
		if !lock.TryLock() {
			s.Logger.Warn("scheduler: skipping tick, previous run still in flight", "task", task.Name)
			continue
		}

		go func() {
			defer lock.Unlock()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.runTask(task)
		}()
	}
}

func (s *Scheduler) lockFor(id uint) *sync.Mutex {
	v, _ := s.taskLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// matchesTick reports whether spec's most recent scheduled occurrence at
// or before now falls in the same minute as now — i.e. whether a cron tick
// landing on now also satisfies a task's sparser own-timer.
func matchesTick(spec string, now time.Time) bool {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return false
	}
	minute := now.Truncate(time.Minute)
	next := sched.Next(minute.Add(-time.Minute))
	return !next.After(minute)
}

// runTask resolves task's effective configuration and candidates, filters
// out anything already in its archive, and enqueues what remains.
func (s *Scheduler) runTask(task storage.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ExtractInfoTimeout)
	defer cancel()

	eff, err := s.resolveEffective(task)
	if err != nil {
		s.Logger.Error("scheduler: resolve preset failed", "task", task.Name, "error", err)
		return
	}
	if err := preset.ValidateFolder(s.Config.DownloadPath, eff.Folder); err != nil {
		s.Logger.Error("scheduler: invalid folder", "task", task.Name, "error", err)
		return
	}

	tokens, err := preset.Tokens(eff.CLI)
	if err != nil {
		s.Logger.Error("scheduler: tokenize cli failed", "task", task.Name, "error", err)
		return
	}
	archived := s.readArchive(archive.PathFromCLI(tokens, s.Config.ConfigPath), task.Name)

	candidates, handlerName, err := s.resolveCandidates(ctx, task)
	if err != nil {
		s.Logger.Error("scheduler: resolve candidates failed", "task", task.Name, "error", err)
		if s.Bus != nil {
			s.Bus.Publish(eventbus.LogError, eventbus.LogPayload{Message: fmt.Sprintf("task %s: %v", task.Name, err)})
		}
		return
	}

	for _, c := range candidates {
		if c.ArchiveID != "" {
			if _, skip := archived[c.ArchiveID]; skip {
				continue
			}
		}
		s.enqueue(task, eff, handlerName, c)
	}
}

// ResolveCandidates exposes resolveCandidates for the control API's
// task_mark_all/task_unmark_all operations, which need the same candidate
// set a scheduled run would enqueue without actually enqueueing it.
func (s *Scheduler) ResolveCandidates(ctx context.Context, task storage.Task) ([]urlsource.Candidate, string, error) {
	return s.resolveCandidates(ctx, task)
}

// ArchivePathForTask resolves the archive file task's effective
// configuration points at, or "" if it has none.
func (s *Scheduler) ArchivePathForTask(task storage.Task) (string, error) {
	eff, err := s.resolveEffective(task)
	if err != nil {
		return "", err
	}
	tokens, err := preset.Tokens(eff.CLI)
	if err != nil {
		return "", err
	}
	return archive.PathFromCLI(tokens, s.Config.ConfigPath), nil
}

func (s *Scheduler) resolveEffective(task storage.Task) (preset.Effective, error) {
	var p *storage.Preset
	if task.Preset != "" {
		found, err := s.Store.GetPresetByName(task.Preset)
		if err != nil {
			return preset.Effective{}, err
		}
		p = found
	}

	ov := preset.Overrides{}
	if task.Folder != "" {
		ov.Folder = &task.Folder
	}
	if task.Template != "" {
		ov.Template = &task.Template
	}
	if task.CLI != "" {
		ov.CLI = &task.CLI
	}
	if task.Cookies != "" {
		ov.Cookies = &task.Cookies
	}

	defaults := preset.Defaults{Template: s.Config.OutputTemplate}
	return preset.Resolve(defaults, p, ov), nil
}

func (s *Scheduler) readArchive(path, taskName string) map[string]struct{} {
	if path == "" {
		return nil
	}
	entries, err := s.Archive.Read(path)
	if err != nil {
		s.Logger.Error("scheduler: archive read failed", "task", taskName, "path", path, "error", err)
		return nil
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set
}

// resolveCandidates implements spec.md §4.10's routing rule: a matching
// URL Source supplies candidates; with none matching and handler_enabled
// false the task's own URL is enqueued directly; none matching with
// handler_enabled true is an unresolved task and produces no candidates.
func (s *Scheduler) resolveCandidates(ctx context.Context, task storage.Task) ([]urlsource.Candidate, string, error) {
	source := s.Sources.Resolve(task.URL)
	if source == nil {
		if !task.HandlerEnabled {
			return []urlsource.Candidate{{URL: task.URL}}, "", nil
		}
		return nil, "", fmt.Errorf("no url source matches %q and handler_enabled is set", task.URL)
	}

	tokens, err := preset.Tokens(task.CLI)
	if err != nil {
		return nil, "", fmt.Errorf("tokenize cli: %w", err)
	}
	candidates, err := source.Extract(ctx, task.URL, tokens)
	if err != nil {
		return nil, "", err
	}
	return candidates, source.Name(), nil
}

func (s *Scheduler) enqueue(task storage.Task, eff preset.Effective, handlerName string, c urlsource.Candidate) {
	status := queue.StatusPaused
	if task.AutoStart {
		status = queue.StatusPending
	}
	item := &queue.Item{
		ID:        uuid.New().String(),
		URL:       c.URL,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Preset:    eff.Preset,
		Folder:    eff.Folder,
		Template:  eff.Template,
		CLI:       eff.CLI,
		Cookies:   eff.Cookies,
		AutoStart: task.AutoStart,
		Extras: map[string]any{
			"source_id":      c.ArchiveID,
			"source_name":    c.Title,
			"source_handler": handlerName,
		},
	}

	if _, err := s.Store.AddToQueue(&storage.Item{
		ID:         item.ID,
		URL:        item.URL,
		Status:     string(item.Status),
		CreatedAt:  item.CreatedAt,
		Preset:     item.Preset,
		Folder:     item.Folder,
		Template:   item.Template,
		CLI:        item.CLI,
		Cookies:    item.Cookies,
		AutoStart:  item.AutoStart,
		ExtrasJSON: extrasJSON(item.Extras),
	}); err != nil {
		s.Logger.Error("scheduler: persist queued item failed", "task", task.Name, "url", c.URL, "error", err)
		return
	}

	s.Queue.Add(item)
}

func extrasJSON(extras map[string]any) string {
	if len(extras) == 0 {
		return ""
	}
	b, err := json.Marshal(extras)
	if err != nil {
		return ""
	}
	return string(b)
}
