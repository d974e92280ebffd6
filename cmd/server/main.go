package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/highscore-gateway/internal/auth"
	"github.com/highscore-gateway/internal/config"
	"github.com/highscore-gateway/internal/handler"
	"github.com/highscore-gateway/internal/kafka"
	"github.com/highscore-gateway/internal/postgres"
	"github.com/highscore-gateway/internal/redis"
	"github.com/highscore-gateway/internal/replay"
	"github.com/highscore-gateway/internal/service"
	"github.com/highscore-gateway/internal/sqlite"
	"github.com/highscore-gateway/internal/telemetry"
	"github.com/highscore-gateway/internal/websocket"
	"github.com/highscore-gateway/internal/worker"
)

// store is what the server needs from either backend
type store interface {
	auth.Lookup
	replay.Recorder
	service.ScoreStore
	worker.Purger
	handler.Pinger
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Error("invalid configuration file", "path", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			logger.Error("invalid environment", "error", err)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
	}
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logger.Warn("unknown log level, keeping info", "level", cfg.Log.Level)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("failed to set up tracing, continuing without it", "error", err)
	}

	// Initialize the leaderboard store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Game and table lookups go through Redis when it is enabled
	var lookup auth.Lookup = st
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		cache := redis.NewLookupCache(client, st, &cfg.Redis, logger)
		go func() {
			if err := cache.Listen(ctx); err != nil {
				logger.Error("cache invalidation listener stopped", "error", err)
			}
		}()
		lookup = cache
		logger.Info("lookup cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	guard := replay.NewGuard(st, cfg.Auth.FreshnessWindow)
	authenticator := auth.New(lookup, guard, logger)
	leaderboardService := service.NewLeaderboardService(authenticator, st, logger)

	// Initialize WebSocket hub
	var wsHub *websocket.Hub
	if cfg.WebSocket.Enabled {
		wsHub = websocket.NewHub(logger)
		go wsHub.Run()
		leaderboardService.SetBroadcaster(wsHub)
	}

	// Replay records older than the freshness window can never match again
	purger := worker.NewReplayPurger(st, guard.Retention(cfg.Replay.Retention), cfg.Replay.PurgeInterval, logger)
	if cfg.Replay.PurgeEnabled {
		if err := purger.Start(ctx); err != nil {
			logger.Error("failed to start replay purger", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for signed submissions
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, leaderboardService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	httpHandler := handler.NewHandler(leaderboardService, wsHub, st, cfg.Server.MaxBodyBytes, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new submissions arrive
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := purger.Stop(); err != nil {
		logger.Error("failed to stop replay purger", "error", err)
	}

	if wsHub != nil {
		wsHub.Stop()
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		logger.Info("opening SQLite store", "path", cfg.Storage.SQLitePath)
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, sqlite.Options{
			MaxRetries: cfg.Leaderboard.MaxRetries,
			RetryDelay: cfg.Leaderboard.RetryDelay,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close SQLite store", "error", err)
			}
		}, nil

	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, cfg.Leaderboard, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return repo, repo.Close, nil
	}
}
