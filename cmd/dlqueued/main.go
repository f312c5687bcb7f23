// Command dlqueued is the composition root: it wires config, storage,
// eventbus, logging, the archive/preset/cache layer, the queue, the worker
// pool, the task scheduler, and the control API together, then blocks until
// an operator-requested shutdown. Grounded on the teacher's main.go
// composition order (engine, then control server, then signal wait) and its
// internal/core/lifecycle.go WaitForSignals helper, with the GUI/MCP
// branches it also contains dropped entirely — this is a headless service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dlqueued/internal/apiserver"
	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/logging"
	"dlqueued/internal/queue"
	"dlqueued/internal/scheduler"
	"dlqueued/internal/storage"
	"dlqueued/internal/urlsource"
	"dlqueued/internal/worker"
)

const (
	cacheSize = 2048
	cacheTTL  = 10 * time.Minute
)

func main() {
	configFile := flag.String("config", "", "path to an optional JSON config overlay")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "dlqueued:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	for _, dir := range []string{cfg.DownloadPath, cfg.TempPath, cfg.ConfigPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	bus := eventbus.New(nil)

	logger, err := logging.New(cfg.ConfigPath, os.Stdout, bus)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	store, err := storage.Open(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	am := archive.NewManager()
	cache, err := extractorcache.New(cacheSize, cacheTTL)
	if err != nil {
		return fmt.Errorf("init extractor cache: %w", err)
	}

	qm := queue.New(bus, cfg.MaxWorkersPerExtractor)
	for extractor, n := range cfg.MaxWorkersForExtractor {
		qm.SetQuota(extractor, n)
	}
	if err := resumeQueueFromStore(store, qm); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}

	driver := worker.NewDriver(cfg, store, am, cache, bus, qm, logger, cfg.DownloaderToolPath)
	conditionsFunc := func() []storage.Condition {
		conditions, err := store.ListConditions()
		if err != nil {
			logger.Error("load conditions failed", "error", err)
			return nil
		}
		return conditions
	}
	pool := worker.New(driver, qm, logger, conditionsFunc, cfg.MaxWorkers)
	defer pool.Shutdown()

	// No concrete URL Source implementations ship with this service
	// (spec.md §1 scopes them out); the registry still routes whatever a
	// deployment registers through the control API's inspect operation.
	sources := urlsource.NewRegistry()

	sched := scheduler.New(cfg, store, qm, am, sources, bus, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := apiserver.New(cfg, store, qm, am, cache, sources, sched, pool, bus, driver.Extract, logger)

	ctx, cancel := context.WithCancel(context.Background())
	waitForSignals(cancel, logger)

	logger.Info("dlqueued listening", "port", cfg.APIPort)
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("control api: %w", err)
	}
	return nil
}

// resumeQueueFromStore re-admits every non-terminal row left over from a
// previous process into the in-memory Queue Manager, per spec.md §4.7's
// "the queue survives a restart via the Persistence Store" requirement.
// An item caught mid-flight (downloading/preparing/postprocessing) by an
// unclean shutdown is moved to paused rather than auto-resumed, per the
// interrupted-item recovery behavior this service promises on boot.
func resumeQueueFromStore(store *storage.Store, qm *queue.Manager) error {
	rows, err := store.ListQueue()
	if err != nil {
		return err
	}
	for _, row := range rows {
		status := queue.Status(row.Status)
		if status.Terminal() {
			continue
		}
		if status != queue.StatusPending && status != queue.StatusPaused {
			status = queue.StatusPaused
			if _, err := store.UpdateQueueItem(row.ID, map[string]any{"status": string(status)}); err != nil {
				return fmt.Errorf("persist recovered status for %s: %w", row.ID, err)
			}
		}
		extras, err := storage.DecodeExtras(row.ExtrasJSON)
		if err != nil {
			extras = map[string]any{}
		}
		qm.Add(&queue.Item{
			ID: row.ID, URL: row.URL, Status: status, CreatedAt: row.CreatedAt,
			Preset: row.Preset, Folder: row.Folder, Template: row.Template, CLI: row.CLI, Cookies: row.Cookies,
			AutoStart: row.AutoStart, Extras: extras, Extractor: row.Extractor,
		})
	}
	return nil
}

// waitForSignals mirrors the teacher's WaitForSignals: a dedicated goroutine
// blocks on SIGINT/SIGTERM and invokes cancel exactly once.
func waitForSignals(cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()
}
