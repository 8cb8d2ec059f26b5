package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetboard/internal/server/api"
	"assetboard/internal/server/config"
	"assetboard/internal/server/service"
	"assetboard/internal/server/session"
	"assetboard/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"session_backend", cfg.SessionBackend,
		"max_file_size", cfg.MaxFileSize,
		"session_idle", cfg.SessionIdle,
	)

	ctx := context.Background()

	// Initialize blob storage
	store, err := openBlobStore(cfg)
	if err != nil {
		slog.Error("failed to configure storage", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "backend", cfg.StorageBackend)

	// Initialize session store
	sessionStore, closeStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("session store initialized", "backend", cfg.SessionBackend)

	sessions := session.NewManager(sessionStore, cfg.SessionIdle, session.WithSecureCookie(cfg.CookieSecure))
	svc := service.NewAssetService(store, cfg)

	// Background work runs until shutdown
	bgCtx, bgCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(sessions, store, cfg.CleanupInterval)
	cleanup.Start(bgCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, sessions, cfg)
	e := api.SetupRouter(bgCtx, handler, svc, sessions, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service and rate limiter sweeps
	bgCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}

func openBlobStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "filesystem":
		return storage.NewFileSystemStore(cfg.StoragePath), nil
	case "s3":
		return storage.NewS3Store(storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretKey,
			DisableSSL:      cfg.S3DisableSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	switch cfg.SessionBackend {
	case "memory":
		return session.NewMemoryStore(), func() {}, nil

	case "postgres":
		pg, err := session.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations complete")
		return pg, pg.Close, nil

	case "redis":
		// keep keys a little past the idle timeout so the sweeper still finds them
		rs, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionIdle+time.Hour)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}
