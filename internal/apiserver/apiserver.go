// Package apiserver implements the thin external interface of spec.md §6:
// a loopback-only HTTP control surface over the Queue Manager, Persistence
// Store, Archive Manager, Info Extractor Cache, and URL Source Registry.
// Grounded on the teacher's internal/api/server.go (chi router,
// middleware.Logger/middleware.Recoverer, a custom auth middleware and a
// request concurrency gate); spec.md §1 scopes a full transport
// implementation out, so routes here are illustrative of every operation
// rather than an exhaustive production API.
package apiserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"dlqueued/internal/apierr"
	"dlqueued/internal/archive"
	"dlqueued/internal/config"
	"dlqueued/internal/eventbus"
	"dlqueued/internal/extractorcache"
	"dlqueued/internal/preset"
	"dlqueued/internal/queue"
	"dlqueued/internal/scheduler"
	"dlqueued/internal/storage"
	"dlqueued/internal/urlsource"
	"dlqueued/internal/worker"
)

// Server wires every component an external caller might need to reach into
// one chi router. Fields are exported so cmd/dlqueued can assemble it
// directly, matching the teacher's ControlServer construction style.
type Server struct {
	Config    *config.Config
	Store     *storage.Store
	Queue     *queue.Manager
	Archive   *archive.Manager
	Cache     *extractorcache.Cache
	Sources   *urlsource.Registry
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Bus       *eventbus.Bus
	Extract   worker.ExtractFunc
	Logger    *slog.Logger

	router  *chi.Mux
	limiter *rate.Limiter
}

// New builds a Server and its route table. limiter bounds total request
// rate the same way the teacher's concurrencyLimitMiddleware bounds
// concurrent AI-assist calls, generalized here to a token bucket over every
// route so one noisy caller cannot starve the others.
func New(cfg *config.Config, store *storage.Store, qm *queue.Manager, am *archive.Manager, cache *extractorcache.Cache, sources *urlsource.Registry, sched *scheduler.Scheduler, pool *worker.Pool, bus *eventbus.Bus, extract worker.ExtractFunc, logger *slog.Logger) *Server {
	s := &Server{
		Config:    cfg,
		Store:     store,
		Queue:     qm,
		Archive:   am,
		Cache:     cache,
		Sources:   sources,
		Scheduler: sched,
		Pool:      pool,
		Bus:       bus,
		Extract:   extract,
		Logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
	}
	s.setupRoutes()
	return s
}

// ListenAndServe binds the loopback interface on Config.APIPort and serves
// until ctx is cancelled, matching the teacher's Start(port)'s
// loopback-only net.Listen.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Config.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.authMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/queue", s.handleAdd)
		r.Post("/queue/batch", s.handleAddBatch)
		r.Get("/queue", s.handleListQueue)
		r.Get("/queue/live", s.handleListQueue)
		r.Get("/history", s.handleListHistory)
		r.Post("/queue/pause_all", s.handlePauseAll)
		r.Post("/queue/resume_all", s.handleResumeAll)
		r.Route("/queue/{id}", func(r chi.Router) {
			r.Post("/cancel", s.handleCancel)
			r.Post("/pause", s.handlePauseItem)
			r.Post("/start", s.handleStartItem)
			r.Delete("/", s.handleDeleteItem)
			r.Post("/move/first", s.handleMove("first"))
			r.Post("/move/last", s.handleMove("last"))
			r.Post("/move/prev", s.handleMove("prev"))
			r.Post("/move/next", s.handleMove("next"))
		})

		r.Route("/presets", func(r chi.Router) {
			r.Get("/", s.handleListPresets)
			r.Post("/", s.handleCreatePreset)
			r.Patch("/{id}", s.handleUpdatePreset)
			r.Delete("/{id}", s.handleDeletePreset)
		})
		r.Route("/conditions", func(r chi.Router) {
			r.Get("/", s.handleListConditions)
			r.Post("/", s.handleCreateCondition)
			r.Patch("/{id}", s.handleUpdateCondition)
			r.Delete("/{id}", s.handleDeleteCondition)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Patch("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/mark_all", s.handleTaskMarkAll(true))
			r.Post("/{id}/unmark_all", s.handleTaskMarkAll(false))
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/", s.handleCreateNotification)
			r.Delete("/{id}", s.handleDeleteNotification)
		})

		r.Post("/archive/read", s.handleArchiveRead)
		r.Post("/archive/append", s.handleArchiveAppend)
		r.Post("/archive/remove", s.handleArchiveRemove)

		r.Post("/info", s.handleGetInfo)
		r.Post("/inspect", s.handleInspect)

		r.Get("/workers", s.handleWorkersSnapshot)
		r.Post("/workers/{id}/restart", s.handleWorkerRestart)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// rateLimitMiddleware enforces the shared token bucket; a caller over
// budget gets 429 rather than queueing, since every route here is meant to
// answer quickly.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces HTTP Basic auth when Config.AuthUsername is set;
// an empty username leaves the API open, matching a local/dev deployment
// with no credentials configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.AuthUsername == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(s.Config.AuthUsername)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(s.Config.AuthPassword)) == 1
		if !ok || !userMatch || !passMatch {
			w.Header().Set("WWW-Authenticate", `Basic realm="dlqueued"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.HTTPStatus(), map[string]string{"error": apiErr.Error()})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) publishConfigUpdate(table, action string) {
	if s.Bus != nil {
		s.Bus.Publish(eventbus.ConfigUpdate, eventbus.ConfigUpdatePayload{Table: table, Action: action})
	}
}

// resolveEffective merges Config defaults, an optional named preset, and
// request-level overrides, the same three-tier merge the Task Scheduler
// uses for a scheduled task's own configuration.
func (s *Server) resolveEffective(presetName string, ov preset.Overrides) (preset.Effective, error) {
	var p *storage.Preset
	if presetName != "" {
		found, err := s.Store.GetPresetByName(presetName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return preset.Effective{}, apierr.Validation("unknown preset %q", presetName)
			}
			return preset.Effective{}, err
		}
		p = found
	}
	defaults := preset.Defaults{Template: s.Config.OutputTemplate}
	return preset.Resolve(defaults, p, ov), nil
}
