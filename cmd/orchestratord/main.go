// Command orchestratord is the composition root: it wires C1-C13 together,
// starts the queue worker, scheduler, and reconciliation loops, and serves
// a minimal chi mux (a health check and the session WebSocket upgrade) —
// not a business API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/orchestratord/internal/agentreg"
	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/command"
	"github.com/ashureev/orchestratord/internal/config"
	"github.com/ashureev/orchestratord/internal/coordinator"
	"github.com/ashureev/orchestratord/internal/delivery"
	"github.com/ashureev/orchestratord/internal/dispatch"
	"github.com/ashureev/orchestratord/internal/queue"
	"github.com/ashureev/orchestratord/internal/reconcile"
	"github.com/ashureev/orchestratord/internal/runtime"
	"github.com/ashureev/orchestratord/internal/scheduler"
	"github.com/ashureev/orchestratord/internal/session"
	"github.com/ashureev/orchestratord/internal/wsgateway"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting orchestratord", "port", cfg.Port, "state_dir", cfg.StateDir)

	store, err := atomicstore.New(cfg.StateDir, logger)
	if err != nil {
		slog.Error("failed to initialize atomic store", "error", err)
		os.Exit(1)
	}

	backend := session.NewBackend(logger)
	cmds := command.NewHelper(command.DefaultConfig(), logger)
	adapter := runtime.NewAdapter(backend, cmds, logger)
	registry := agentreg.New(adapter, cfg.Restart.MaxAttempts, cfg.Restart.Window, logger)

	lookup := func(name string) (delivery.Session, error) {
		return backend.GetSession(name)
	}
	deliv := delivery.New(lookup, cmds, delivery.Config{
		PromptDetectionTimeout:      cfg.Timeout.PromptDetection,
		DeliveryConfirmationTimeout: cfg.Timeout.DeliveryConfirmation,
		MessageRetryDelay:           cfg.Timeout.MessageRetryDelay,
		TotalDeliveryTimeout:        cfg.Timeout.TotalDelivery,
		MaxAttempts:                 cfg.Delivery.MaxAttempts,
	}, logger)

	q, err := queue.New(store, queue.Options{
		MaxNotReadyRetries: cfg.Queue.MaxNotReadyRetries,
		NotReadyRetryDelay: cfg.Queue.NotReadyRetryDelay,
		MaxHistory:         cfg.Queue.MaxHistory,
	}, logger)
	if err != nil {
		slog.Error("failed to initialize message queue", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(store, dispatch.NewSchedulerDispatcher(q), scheduler.Options{
		MinAdaptiveInterval:  cfg.Scheduler.MinAdaptiveInterval,
		BaseAdaptiveInterval: cfg.Scheduler.BaseAdaptiveInterval,
		MaxAdaptiveInterval:  cfg.Scheduler.MaxAdaptiveInterval,
	}, logger)
	if err != nil {
		slog.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	registry.SetScheduler(sched, agentreg.CheckInConfig{
		InitialCheckDelay:      cfg.Scheduler.InitialCheckDelay,
		ProgressCheckInterval:  cfg.Scheduler.ProgressCheckInterval,
		CommitReminderInterval: cfg.Scheduler.CommitReminderInterval,
	})
	adapter.OnActivity = sched.RecordActivity

	var reconciler *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		bridge := reconcile.NewSlackBridge(cfg.Reconcile.SlackToken)
		reconciler, err = reconcile.New(store, bridge, reconcile.Options{
			StartupDelay: cfg.Reconcile.StartupDelay,
			ScanInterval: cfg.Reconcile.ScanInterval,
			MaxAge:       cfg.Reconcile.MaxAge,
			MaxAttempts:  cfg.Reconcile.MaxAttempts,
		}, logger)
		if err != nil {
			slog.Error("failed to initialize reconciler", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("external-chat reconciliation disabled")
	}

	gw := wsgateway.New(backend, logger)

	var ext coordinator.ExternalNotifier
	if reconciler != nil {
		ext = reconciler
	}
	coord := coordinator.New(q.Events(), gw, ext, logger)

	deliverer := dispatch.NewQueueDeliverer(deliv, adapter, registry, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Get("/ws/sessions/{name}", gw.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go q.Run(ctx, deliverer)
	go coord.Run(ctx)
	if reconciler != nil {
		go reconciler.Run(ctx)
	}
	slog.Info("queue worker, scheduler, and coordinator started")

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	if err := sched.Cleanup(); err != nil {
		slog.Error("failed to persist scheduler state during shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped successfully")
}
