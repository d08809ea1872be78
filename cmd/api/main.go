package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/api"
	rediscache "github.com/feedback-triage/backend/internal/cache/redis"
	"github.com/feedback-triage/backend/internal/classify"
	"github.com/feedback-triage/backend/internal/llm"
	"github.com/feedback-triage/backend/internal/metrics"
	"github.com/feedback-triage/backend/internal/middleware/ratelimit"
	"github.com/feedback-triage/backend/internal/runs"
	"github.com/feedback-triage/backend/internal/storage/sqlite"
	"github.com/feedback-triage/backend/pkg/config"
	appLogger "github.com/feedback-triage/backend/pkg/logger"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	// A missing key would fail every row, so refuse to start instead.
	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Invalid configuration", zap.Error(err))
	}

	appLogger.Info("Starting feedback triage server", zap.String("model", cfg.LLM.Model))

	metrics.Init()

	if cfg.SQLite.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			appLogger.Fatal("Failed to create data directory", zap.Error(err))
		}
	}

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	interrupted, err := sqliteClient.MarkInterrupted()
	if err != nil {
		appLogger.Warn("Failed to mark interrupted runs", zap.Error(err))
	} else if interrupted > 0 {
		appLogger.Warn("Marked runs from a previous process as failed", zap.Int64("runs", interrupted))
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		appLogger.Fatal("Failed to create LLM client", zap.Error(err))
	}

	runnerOpts := []classify.Option{classify.WithConcurrency(cfg.Batch.Concurrency)}

	var cache *rediscache.Client
	if cfg.Redis.Enabled {
		cache, err = rediscache.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Reply cache unavailable, continuing without it", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			runnerOpts = append(runnerOpts, classify.WithCache(cache, llmClient.Model()))
		}
	}

	runner := classify.NewRunner(llmClient, runnerOpts...)
	manager := runs.NewManager(sqliteClient, runner, llmClient.Model(), cfg.Batch.TextColumn)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RunsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := api.NewApp(manager, api.Options{
		Server:    cfg.Server,
		Limiter:   limiter,
		AccessLog: true,
		Ready: func() error {
			if err := sqliteClient.Ping(); err != nil {
				return fmt.Errorf("sqlite: %w", err)
			}
			if cache != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := cache.Ping(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(ctx); err != nil {
		appLogger.Warn("Cancelled runs still in progress at shutdown", zap.Error(err))
	}

	appLogger.Info("Server stopped")
}
