package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/api"
	"github.com/kiranshivaraju/wardrobe/internal/api/handler"
	mw "github.com/kiranshivaraju/wardrobe/internal/api/middleware"
	"github.com/kiranshivaraju/wardrobe/internal/dispatcher"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the HTTP drain.
const shutdownTimeout = 30 * time.Second

// recordMargin is added to the lease when waiting for in-flight jobs, so a job
// that runs its full lease still has time to record its outcome.
const recordMargin = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the enrichment dispatcher",
	Long:  "Run the HTTP API and the enrichment dispatcher; blocks until SIGINT/SIGTERM.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load config
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Server.LogLevel, debug)
	logger.Info("config loaded",
		"env", cfg.Server.Env,
		"ai_service_url", cfg.Inference.BaseURL,
		"task_types", cfg.Worker.TaskTypes,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect database, migrations, Redis
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	d, err := connect(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer d.Close()

	// 3. Inference client and dispatcher
	client, invoker := newInvoker(cfg, logger)
	disp := newDispatcher(cfg, d.store, d.cache, invoker, logger)

	// 4. Router
	status := handler.NewAIStatusHandler(d.store, d.cache, cfg.Server.StatusCacheTTL)
	router := api.NewRouter(api.Dependencies{
		Auth:       mw.NewAuth(cfg.Auth.JWTSecret),
		RateLimit:  mw.NewRateLimit(d.cache, cfg.Server.RateLimitPerMin),
		AdminToken: mw.AdminToken(cfg.Auth.AdminTokenHash),

		HealthHandler:   handler.NewHealthHandler(d.store, d.cache, client),
		ItemAIStatus:    status.For(models.TaskClothingClassification, "itemID"),
		OutfitAIStatus:  status.For(models.TaskOutfitRating, "outfitID"),
		DispatcherTick:  handler.NewTickHandler(disp),
		DispatcherStats: handler.NewStatsHandler(disp, d.store),
		EnqueueJob:      handler.NewEnqueueHandler(disp),
	})

	// 5. Start HTTP server and dispatcher
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Worker.LeaseTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	disp.Start(ctx)

	select {
	case err := <-errCh:
		_ = stopDispatcher(disp, cfg.Worker.LeaseTimeout, logger)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections and in-flight jobs...")
	}

	// 6. Graceful shutdown: HTTP first, then in-flight jobs on their own budget
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := stopDispatcher(disp, cfg.Worker.LeaseTimeout, logger); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}

	logger.Info("server stopped gracefully", "stats", disp.Stats())
	return nil
}

// stopBudget is how long shutdown waits for in-flight jobs. Each job runs within
// its lease, so waiting past lease plus recordMargin only delays exit.
func stopBudget(lease time.Duration) time.Duration {
	return lease + recordMargin
}

func stopDispatcher(disp *dispatcher.Dispatcher, lease time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopBudget(lease))
	defer cancel()

	if err := disp.Stop(ctx); err != nil {
		logger.Error("dispatcher stop abandoned in-flight jobs to the lease reaper",
			"error", err,
			"in_flight", disp.Stats().InFlight,
		)
		return err
	}
	return nil
}
