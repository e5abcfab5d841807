package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/strmgate/strmgate/internal/authflow"
	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/httpapi"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/redirect"
	"github.com/strmgate/strmgate/internal/scheduler"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/stubsync"
	"github.com/strmgate/strmgate/internal/upstream"
	"github.com/strmgate/strmgate/internal/watcher"
)

const httpShutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Starts the HTTP server, the task scheduler, and the event watchers.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := buildLogger()
	slog.SetDefault(logger)

	cfg := resolvedCfg
	ctx := shutdownContext(context.Background(), logger)

	if err := os.MkdirAll(cfg.CredDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := credfile.NewStore(cfg.CredDir)

	clientOpts := upstream.Options{
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxInflight:       cfg.MaxInflight,
	}

	p := pool.New(creds, func(_, _ string) *upstream.Client {
		return upstream.NewClient(cfg.UpstreamBaseURL, clientOpts, logger)
	}, logger)

	cache := redirect.New(cfg.RedirectTTL, logger)
	engine := stubsync.New(st, p, logger)
	sched := scheduler.New(engine, nil, logger)
	watch := watcher.New(st, p, sched, nil, logger)
	flow := authflow.New(st, creds, p,
		upstream.NewClient(cfg.UpstreamBaseURL, clientOpts, logger), logger)

	observer, err := stubsync.NewObserver(logger)
	if err != nil {
		return fmt.Errorf("creating filesystem observer: %w", err)
	}

	if err := restoreTasks(ctx, st, sched, watch, observer, logger); err != nil {
		return err
	}

	api := httpapi.New(ctx, st, p, cache, flow, sched, watch, httpapi.Options{
		BaseURL:     cfg.BaseURL,
		UserAgent:   cfg.UserAgent,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		cache.RunSweeper(gctx)
		return nil
	})

	g.Go(func() error {
		flow.RunGC(gctx)
		return nil
	})

	g.Go(func() error {
		if err := observer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr))

		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		watch.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// restoreTasks re-registers persisted schedules and watch loops after a
// restart, and clears any stale running state left by a crash.
func restoreTasks(
	ctx context.Context, st *store.Store, sched *scheduler.Scheduler,
	watch *watcher.Watcher, observer *stubsync.Observer, logger *slog.Logger,
) error {
	tasks, err := st.ListTasks(ctx, "")
	if err != nil {
		return err
	}

	for i := range tasks {
		task := &tasks[i]

		if task.State == store.TaskRunning || task.State == store.TaskPending {
			if err := st.SetTaskState(ctx, task.TaskID, store.TaskIdle); err != nil {
				return err
			}
		}

		if err := sched.Register(task); err != nil {
			logger.Warn("skipping schedule for task",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)

			continue
		}

		watch.Start(ctx, task)

		if err := observer.Watch(task.OutputDir); err != nil {
			logger.Warn("skipping stub directory watch",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("restored tasks", slog.Int("count", len(tasks)))

	return nil
}
