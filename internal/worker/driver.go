// Package worker implements the Worker Pool (spec.md §4.8) and Download
// Driver (spec.md §4.9). Grounded on the teacher's queueWorker/executeTask
// dispatch loop in internal/core/engine.go (panic recovery around each
// claimed item, slot accounting, per-item goroutine) and on
// SatyamHitman-go-ofscraper's subprocess.go for the actual os/exec
// supervision idiom, which is a cleaner wrapper than the teacher's own
// inline piping.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/preset"
	"dlqueued/internal/queue"
	"dlqueued/internal/storage"
)

// ExtractFunc performs metadata extraction for a URL; the default
// implementation shells out to the configured downloader tool with
// --dump-json-equivalent args, but tests substitute a fake.
type ExtractFunc func(ctx context.Context, url string, args []string) (map[string]any, error)

// DownloadFunc runs the actual download subprocess, forwarding each
// stdout/stderr line to onLine. The default implementation uses
// runSubprocess (this package); tests substitute a fake.
type DownloadFunc func(ctx context.Context, url string, args []string, workDir string, onLine func(stream, line string)) error

// Driver executes the full single-item pipeline described in spec.md §4.9.
type Driver struct {
	Config  *config.Config
	Store   *storage.Store
	Archive *archive.Manager
	Cache   *extractorcache.Cache
	Bus     *eventbus.Bus
	Queue   *queue.Manager
	Logger  *slog.Logger

	ToolPath string

	Extract  ExtractFunc
	Download DownloadFunc

	// progressHz bounds how many item_updated events per second the driver
	// emits while downloading; spec.md §4.9 requires N <= 4.
	progressHz float64
}

// NewDriver builds a Driver with default Extract/Download implementations
// that invoke ToolPath as a real subprocess.
func NewDriver(cfg *config.Config, store *storage.Store, am *archive.Manager, cache *extractorcache.Cache, bus *eventbus.Bus, qm *queue.Manager, logger *slog.Logger, toolPath string) *Driver {
	d := &Driver{
		Config:     cfg,
		Store:      store,
		Archive:    am,
		Cache:      cache,
		Bus:        bus,
		Queue:      qm,
		Logger:     logger,
		ToolPath:   toolPath,
		progressHz: 4,
	}
	d.Extract = d.defaultExtract
	d.Download = d.defaultDownload
	return d
}

// Run drives item through prepare -> extract -> guard -> archive check ->
// download -> postprocess -> archive write -> terminal, honouring ctx for
// cancellation at every suspension point.
func (d *Driver) Run(ctx context.Context, item *queue.Item, conditions []storage.Condition) {
	scratchDir, err := d.prepare(item)
	if err != nil {
		d.fail(ctx, item, fmt.Sprintf("prepare failed: %v", err))
		return
	}
	if !d.Config.TempKeep {
		// A closure, not a direct defer os.RemoveAll(scratchDir): preserveScratch
		// blanks scratchDir on a postprocess failure so this no-ops, and a
		// direct defer would have captured the path by value before that could
		// happen.
		defer func() {
			if scratchDir != "" {
				os.RemoveAll(scratchDir)
			}
		}()
	}

	info, archivePath, err := d.extractInfo(ctx, item, conditions)
	if err != nil {
		d.fail(ctx, item, fmt.Sprintf("metadata extraction failed: %v", err))
		return
	}

	if d.Config.PreventLivePremiere && isUnstartedPremiere(info) {
		d.terminal(ctx, item, queue.StatusNotLive, "")
		return
	}

	archiveID := archiveEntryID(item.Extractor, info)
	if archiveID != "" && archivePath != "" {
		entries, err := d.Archive.Read(archivePath)
		if err != nil {
			d.fail(ctx, item, fmt.Sprintf("archive read failed: %v", err))
			return
		}
		for _, e := range entries {
			if e == archiveID {
				d.terminal(ctx, item, queue.StatusSkip, "")
				return
			}
		}
	}

	if err := ctx.Err(); err != nil {
		d.terminal(ctx, item, queue.StatusCancelled, "")
		return
	}
	if err := d.Queue.UpdateStatus(item.ID, queue.StatusDownloading, ""); err != nil {
		d.Logger.Warn("worker: status transition failed", "item", item.ID, "error", err)
	}

	if err := d.download(ctx, item, scratchDir); err != nil {
		d.fail(ctx, item, lastLine(err.Error()))
		return
	}

	if err := d.Queue.UpdateStatus(item.ID, queue.StatusPostprocessing, ""); err != nil {
		d.Logger.Warn("worker: status transition failed", "item", item.ID, "error", err)
	}
	finalPath, err := d.postprocess(item, scratchDir)
	if err != nil {
		// Preserve the scratch directory for diagnostics on postprocess
		// failure, regardless of temp_keep, per spec.md §4.9.
		d.preserveScratch(&scratchDir)
		d.fail(ctx, item, fmt.Sprintf("postprocess failed: %v", err))
		return
	}
	item.Filename = finalPath

	if archiveID != "" && archivePath != "" {
		if _, err := d.Archive.Append(archivePath, []string{archiveID}, false); err != nil {
			d.Logger.Error("worker: archive write failed", "item", item.ID, "error", err)
		}
	}

	d.terminal(ctx, item, queue.StatusFinished, "")
}

func (d *Driver) preserveScratch(scratchDir *string) {
	*scratchDir = "" // Run's deferred cleanup reads scratchDir when it runs, so a blank path keeps the directory.
}

// prepare creates the per-item scratch directory and, if cookies are set,
// materializes a cookie-jar file inside it.
func (d *Driver) prepare(item *queue.Item) (string, error) {
	if err := checkDiskSpace(d.Config.TempPath); err != nil {
		return "", err
	}
	scratchDir := filepath.Join(d.Config.TempPath, item.ID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if item.Cookies != "" {
		cookiePath := filepath.Join(scratchDir, "cookies.txt")
		if err := os.WriteFile(cookiePath, []byte(item.Cookies), 0o600); err != nil {
			return "", fmt.Errorf("write cookie jar: %w", err)
		}
	}
	return scratchDir, nil
}

func (d *Driver) extractInfo(ctx context.Context, item *queue.Item, conditions []storage.Condition) (map[string]any, string, error) {
	tokens, err := preset.Tokens(item.CLI)
	if err != nil {
		return nil, "", fmt.Errorf("tokenize cli: %w", err)
	}
	key := extractorcache.Key(item.URL, item.Preset, tokens)

	extractCtx, cancel := context.WithTimeout(ctx, d.Config.ExtractInfoTimeout)
	defer cancel()

	res, err := d.Cache.Get(extractCtx, key, item.URL, func(ctx context.Context, url string) (any, error) {
		return d.Extract(ctx, url, tokens)
	})
	if err != nil {
		return nil, "", err
	}
	info, _ := res.Info.(map[string]any)
	if info == nil {
		info = map[string]any{}
	}

	if extractor, ok := info["extractor"].(string); ok && extractor != "" {
		d.Queue.FinishPreparing(item.ID, extractor)
		item.Extractor = extractor
	}
	applyMetadata(item, info)

	eff, matched := preset.ApplyConditions(preset.Effective{CLI: item.CLI}, conditions, info)
	item.CLI = eff.CLI
	if len(matched) > 0 {
		d.Logger.Info("worker: conditions matched", "item", item.ID, "conditions", strings.Join(matched, ","))
	}

	d.Bus.Publish(eventbus.ItemStatus, eventbus.ItemPayload{ID: item.ID, Status: string(queue.StatusPreparing)})

	finalTokens, err := preset.Tokens(item.CLI)
	if err != nil {
		return nil, "", fmt.Errorf("tokenize cli: %w", err)
	}
	return info, d.resolveArchivePath(finalTokens), nil
}

func applyMetadata(item *queue.Item, info map[string]any) {
	if v, ok := info["title"].(string); ok {
		item.Title = v
	}
	if v, ok := info["thumbnail"].(string); ok {
		item.Thumbnail = v
	}
	if v, ok := info["duration"].(float64); ok {
		item.Duration = v
	}
	if v, ok := info["filesize"].(float64); ok {
		item.FileSize = int64(v)
	}
}

func isUnstartedPremiere(info map[string]any) bool {
	isLive, _ := info["is_live"].(bool)
	wasLive, _ := info["was_live"].(bool)
	liveStatus, _ := info["live_status"].(string)
	return liveStatus == "is_upcoming" || (isLive && !wasLive && liveStatus != "is_live")
}

// resolveArchivePath implements the "Per-preset archive files at paths
// resolved from the preset's download_archive option" rule via
// archive.PathFromCLI, shared with the Task Scheduler's candidate filter.
func (d *Driver) resolveArchivePath(tokens []string) string {
	return archive.PathFromCLI(tokens, d.Config.ConfigPath)
}

func archiveEntryID(extractor string, info map[string]any) string {
	id, ok := info["id"].(string)
	if !ok || id == "" || extractor == "" {
		return ""
	}
	return fmt.Sprintf("%s %s", extractor, id)
}

func (d *Driver) download(ctx context.Context, item *queue.Item, scratchDir string) error {
	tokens, err := preset.Tokens(item.CLI)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(d.progressHz), 1)
	var lastErrLine string

	onLine := func(stream, line string) {
		if p, ok := parseProgressLine(line); ok {
			if limiter.Allow() {
				item.FileSize = p.TotalBytes
				d.Bus.Publish(eventbus.ItemUpdated, eventbus.ItemPayload{
					ID:     item.ID,
					Status: string(queue.StatusDownloading),
					Extra: map[string]any{
						"downloaded_bytes": p.DownloadedBytes,
						"total_bytes":      p.TotalBytes,
						"speed":            p.Speed,
						"eta":              p.ETA,
					},
				})
			}
			return
		}
		if stream == "stderr" {
			lastErrLine = line
			d.Bus.Publish(eventbus.LogError, eventbus.LogPayload{Message: line})
		} else {
			d.Bus.Publish(eventbus.LogInfo, eventbus.LogPayload{Message: line})
		}
	}

	err = d.Download(ctx, item.URL, tokens, scratchDir, onLine)
	if err != nil && lastErrLine != "" {
		return fmt.Errorf("%s: %s", err.Error(), lastErrLine)
	}
	return err
}

// postprocess moves every file the download produced from scratchDir into
// download_path/folder, creating folder if absent, and returns the final
// path of the primary file (the first one found).
func (d *Driver) postprocess(item *queue.Item, scratchDir string) (string, error) {
	if err := checkDiskSpace(d.Config.DownloadPath); err != nil {
		return "", err
	}
	destDir := filepath.Join(d.Config.DownloadPath, item.Folder)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create dest dir: %w", err)
	}

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return "", fmt.Errorf("read scratch dir: %w", err)
	}

	var primary string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "cookies.txt" {
			continue
		}
		src := filepath.Join(scratchDir, e.Name())
		dst := filepath.Join(destDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("move %s: %w", e.Name(), err)
		}
		if primary == "" {
			primary = dst
		}
	}
	if primary == "" {
		return "", fmt.Errorf("no output files produced")
	}
	return primary, nil
}

func (d *Driver) terminal(ctx context.Context, item *queue.Item, status queue.Status, errMsg string) {
	if err := d.Queue.UpdateStatus(item.ID, status, errMsg); err != nil {
		d.Logger.Error("worker: terminal transition failed", "item", item.ID, "status", status, "error", err)
	}
	d.Queue.Release(item.ID)

	patch := itemToPatch(item, status, errMsg)
	if _, err := d.Store.UpdateQueueItem(item.ID, patch); err != nil {
		d.Logger.Error("worker: persist terminal state failed", "item", item.ID, "error", err)
	}
	if _, err := d.Store.MoveToHistory(item.ID); err != nil {
		d.Logger.Error("worker: move to history failed", "item", item.ID, "error", err)
	}

	d.Bus.Publish(eventbus.ItemMoved, eventbus.MovedPayload{ID: item.ID, From: "queue", To: "history"})
	if status == queue.StatusCancelled {
		d.Bus.Publish(eventbus.ItemCancelled, eventbus.ItemPayload{ID: item.ID, Status: string(status)})
	} else {
		d.Bus.Publish(eventbus.ItemCompleted, eventbus.ItemPayload{ID: item.ID, Status: string(status)})
	}
}

// Recover forces item into the error terminal state from outside the normal
// Run flow — used by the worker pool when a panic escapes Run and the item
// would otherwise be stuck in-flight forever.
func (d *Driver) Recover(item *queue.Item, reason string) {
	d.terminal(context.Background(), item, queue.StatusError, reason)
}

func (d *Driver) fail(ctx context.Context, item *queue.Item, reason string) {
	if ctx.Err() != nil {
		d.terminal(ctx, item, queue.StatusCancelled, reason)
		return
	}
	d.terminal(ctx, item, queue.StatusError, reason)
}

// itemToPatch builds the column patch applied to the item's already-persisted
// queue row just before it is moved into history, carrying over everything
// the driver learned during the run (extractor, title, final filename, the
// possibly condition-rewritten cli string, and the terminal status/error).
func itemToPatch(item *queue.Item, status queue.Status, errMsg string) map[string]any {
	return map[string]any{
		"status":    string(status),
		"error":     errMsg,
		"cli":       item.CLI,
		"filename":  item.Filename,
		"file_size": item.FileSize,
		"extractor": item.Extractor,
		"title":     item.Title,
		"thumbnail": item.Thumbnail,
		"duration":  item.Duration,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

// defaultExtract shells out to ToolPath with --dump-json, which emits the
// full metadata object for url as a single JSON line on stdout.
func (d *Driver) defaultExtract(ctx context.Context, url string, args []string) (map[string]any, error) {
	var info map[string]any
	args = append(append([]string{"--dump-json"}, args...), url)
	err := runSubprocess(ctx, "", d.ToolPath, args, func(stream, line string) {
		if stream != "stdout" {
			return
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err == nil {
			info = parsed
		}
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("worker: no metadata line produced for %s", url)
	}
	return info, nil
}

func (d *Driver) defaultDownload(ctx context.Context, url string, args []string, workDir string, onLine func(stream, line string)) error {
	args = append(append([]string{}, args...), url)
	return runSubprocess(ctx, workDir, d.ToolPath, args, onLine)
}
