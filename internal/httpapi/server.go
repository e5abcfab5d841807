// Package httpapi exposes the gateway over HTTP: the public stream
// redirect plus the JSON management API for drives, tasks, browsing, and
// login.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/strmgate/strmgate/internal/authflow"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/redirect"
	"github.com/strmgate/strmgate/internal/scheduler"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/watcher"
)

// Options carry the request-independent settings of the API.
type Options struct {
	BaseURL     string
	UserAgent   string
	CORSOrigins []string
}

// Server holds the component handles the handlers dispatch into.
type Server struct {
	store     *store.Store
	pool      *pool.Pool
	cache     *redirect.Cache
	flow      *authflow.Flow
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher
	opts      Options
	logger    *slog.Logger

	// ctx is the process lifetime; work that outlives a request (manual
	// runs, watch loops) hangs off it instead of the request context.
	ctx context.Context
}

// New creates a server over the assembled components. ctx bounds the
// lifetime of background work the handlers start.
func New(
	ctx context.Context,
	st *store.Store,
	p *pool.Pool,
	cache *redirect.Cache,
	flow *authflow.Flow,
	sched *scheduler.Scheduler,
	w *watcher.Watcher,
	opts Options,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:     st,
		pool:      p,
		cache:     cache,
		flow:      flow,
		scheduler: sched,
		watcher:   w,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
	}
}

// baseCtx returns the process-lifetime context.
func (s *Server) baseCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}

	return context.Background()
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/stream/{pickHandle}", s.handleStream)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/download/{pickHandle}", s.handleDownload)
		r.Get("/list", s.handleList)
		r.Get("/search", s.handleSearch)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/qrcode", s.handleAuthBegin)
			r.Get("/status", s.handleAuthStatus)
			r.Post("/exchange", s.handleAuthExchange)
		})

		r.Route("/drives", func(r chi.Router) {
			r.Get("/", s.handleListDrives)
			r.Post("/", s.handleCreateDrive)
			r.Get("/{driveID}", s.handleGetDrive)
			r.Delete("/{driveID}", s.handleDeleteDrive)
			r.Post("/{driveID}/current", s.handleSetCurrentDrive)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{taskID}", s.handleGetTask)
			r.Put("/{taskID}", s.handleUpdateTask)
			r.Delete("/{taskID}", s.handleDeleteTask)
			r.Post("/{taskID}/execute", s.handleExecuteTask)
			r.Get("/{taskID}/logs", s.handleTaskLogs)
			r.Get("/{taskID}/progress", s.handleTaskProgress)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// currentEntry resolves the current drive's pool entry, the binding used
// by the public endpoints that carry no drive id.
func (s *Server) currentEntry(ctx context.Context) (*pool.Entry, *store.Drive, error) {
	drive, err := s.store.CurrentDrive(ctx)
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.pool.Acquire(ctx, drive.DriveID, drive.Kind)
	if err != nil {
		return nil, nil, err
	}

	return entry, drive, nil
}

// driveEntry resolves a pool entry for a named drive, falling back to the
// current drive when no id is given.
func (s *Server) driveEntry(ctx context.Context, driveID string) (*pool.Entry, *store.Drive, error) {
	if driveID == "" {
		return s.currentEntry(ctx)
	}

	drive, err := s.store.GetDrive(ctx, driveID)
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.pool.Acquire(ctx, drive.DriveID, drive.Kind)
	if err != nil {
		return nil, nil, err
	}

	return entry, drive, nil
}
