package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/wardrobe/internal/cache"
	"github.com/kiranshivaraju/wardrobe/internal/config"
	"github.com/kiranshivaraju/wardrobe/internal/dispatcher"
	"github.com/kiranshivaraju/wardrobe/internal/inference"
	"github.com/kiranshivaraju/wardrobe/internal/retry"
	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/spf13/cobra"
)

var (
	envFile       string
	migrationsDir string
	debug         bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Wardrobe AI enrichment service",
	Long:  "Serves AI status for wardrobe items and outfits and runs the background enrichment dispatcher.",
	// No subcommand runs the server.
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "migrations", "directory holding the SQL migrations")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadEnvFile loads path into the environment if it exists. Variables already
// set in the environment win over the file.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig loads the dotenv file, then reads and validates the environment.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogger(level string, dbg bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if dbg {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// deps are the long-lived connections shared by every subcommand.
type deps struct {
	pool  *pgxpool.Pool
	store *store.PostgresStore
	cache *cache.RedisCache
}

func (d *deps) Close() {
	if d.cache != nil {
		d.cache.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

// connect opens the database and Redis and applies pending migrations.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	d.pool = pool
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		d.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	d.cache = redisCache
	if err := redisCache.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	d.store = store.NewPostgresStore(pool)
	return d, nil
}

// newInvoker builds the inference client, wrapped in bounded retry when more
// than one attempt is configured.
func newInvoker(cfg *config.Config, logger *slog.Logger) (*inference.HTTPClient, inference.Invoker) {
	client := inference.NewHTTPClient(cfg.Inference.BaseURL, cfg.Inference.Timeout)
	if cfg.Worker.RetryMaxAttempts <= 1 {
		return client, client
	}
	return client, retry.NewInvoker(client, cfg.Worker.RetryMaxAttempts, cfg.Worker.RetryBaseDelay, logger)
}

func newDispatcher(cfg *config.Config, st store.Store, c cache.Cache, invoker inference.Invoker, logger *slog.Logger) *dispatcher.Dispatcher {
	return dispatcher.New(st, invoker, c, dispatcher.Config{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		MaxInFlight:  cfg.Worker.MaxInFlight,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
		StatusTTL:    cfg.Server.StatusCacheTTL,
		TaskTypes:    cfg.Worker.TaskTypes,
	}, logger.With("component", "dispatcher"))
}

// startupTimeout bounds connecting to dependencies.
const startupTimeout = 30 * time.Second
