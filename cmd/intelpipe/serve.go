package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/api/handlers"
	"github.com/intelpipe/backend/internal/broadcast"
	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/middleware/ratelimit"
	"github.com/intelpipe/backend/internal/middleware/security"
	"github.com/intelpipe/backend/internal/middleware/validation"
	"github.com/intelpipe/backend/internal/orchestrator"
	"github.com/intelpipe/backend/internal/pipeline"
	"github.com/intelpipe/backend/internal/query"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
)

var noSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the API, the live feed and scheduled runs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Do not start the cron scheduler")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	logger.Info("Starting intelpipe server")

	hub := broadcast.NewHub(256)
	go hub.Run(ctx)

	err = a.buildPipeline(ctx,
		[]pipeline.Option{pipeline.WithBroadcaster(hub)},
		[]orchestrator.Option{orchestrator.WithBroadcaster(hub)},
	)
	if err != nil {
		return err
	}

	scheduler := orchestrator.NewScheduler(a.orch)
	if !noSchedule && cfg.Pipeline.Schedule != "" {
		if err := scheduler.Start(ctx, cfg.Pipeline.Schedule); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	a.loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}
		reload(a, scheduler, next)
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute,
		Logger:               logger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app := newServer(ctx, a, hub, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}

// newServer builds the fiber app with middleware and routes.
func newServer(ctx context.Context, a *app, hub *broadcast.Hub, limiter *ratelimit.RateLimiter) *fiber.App {
	cfg := a.cfg
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	headers := security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.CORS(headers))
	app.Use(security.HeadersMiddleware(headers))
	app.Use("/api", limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		KnownSource: a.registry.Has,
		Logger:      logger.Named("validation"),
	}))

	checks := map[string]handlers.Check{"sqlite": a.db.Ping}
	if a.cache != nil {
		checks["redis"] = a.cache.Ping
	}
	if a.graph != nil {
		checks["neo4j"] = func(ctx context.Context) error {
			_, err := a.graph.Stats(ctx)
			return err
		}
	}

	var semantic query.Semantic
	if a.vectors != nil {
		semantic = a.correlator
	}

	handlers.Register(app, handlers.Routes{
		Health:    handlers.NewHealthHandler(checks),
		Items:     handlers.NewItemsHandler(a.db, a.correlator),
		Runs:      handlers.NewRunsHandler(ctx, a.orch, a.db, a.registry),
		Search:    handlers.NewSearchHandler(query.NewEngine(a.db, semantic, a.matcher)),
		WebSocket: handlers.NewWebSocketHandler(hub),
		Metrics:   metrics.MetricsHandler(),
	})
	return app
}

// reload applies the parts of a changed config that are safe to swap at
// runtime: the keyword catalog and the schedule.
func reload(a *app, scheduler *orchestrator.Scheduler, next *config.Config) {
	catalog, err := keywords.Load(next.Keywords.Path)
	if err != nil {
		logger.Warn("Keeping previous keyword catalog", zap.Error(err))
	} else {
		a.matcher.Swap(catalog)
		logger.Info("Keyword catalog reloaded", zap.Int("categories", len(catalog.Categories)))
	}

	if next.Pipeline.Schedule != a.cfg.Pipeline.Schedule && next.Pipeline.Schedule != "" && !noSchedule {
		if err := scheduler.Reschedule(next.Pipeline.Schedule); err != nil {
			logger.Warn("Keeping previous schedule", zap.Error(err))
			return
		}
		a.cfg.Pipeline.Schedule = next.Pipeline.Schedule
	}
}
