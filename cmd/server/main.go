package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/labdrop/internal/config"
	"github.com/maneesh/labdrop/internal/handlers"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/service"
	"github.com/maneesh/labdrop/internal/storage"
	"github.com/maneesh/labdrop/internal/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logging.Logger) error {
	ctx := context.Background()
	log.Info(ctx, "starting LabDrop service", "port", cfg.ServicePort, "backend", cfg.StoreBackend)

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn(ctx, "error shutting down tracer", "error", err)
		}
	}()

	deps, closers, err := buildDeps(ctx, cfg, log)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()
	if err != nil {
		return err
	}

	svc, err := service.New(deps)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Close()

	srv := newServer(cfg, svc, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "server forced to shutdown", "error", err)
	}
	log.Info(ctx, "server exited")
	return nil
}

// newServer builds the HTTP server. Shutdown closes the service first so
// open snapshot streams end and their connections can drain.
func newServer(cfg *config.Config, svc *service.Service, log logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           handlers.NewRouter(svc, log.With("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		svc.Close()
	})
	return srv
}

// buildDeps connects the configured backend. Closers are returned even on
// error so the caller can release what was opened.
func buildDeps(ctx context.Context, cfg *config.Config, log logging.Logger) (service.Deps, []io.Closer, error) {
	deps := service.Deps{
		Logger:             log,
		AccessURLTTL:       cfg.AccessURLTTL,
		URLCacheTTL:        cfg.URLCacheTTL,
		ResolveConcurrency: cfg.ResolveConcurrency,
		KeyPrefix:          cfg.KeyPrefix,
		OrphanGracePeriod:  cfg.OrphanGracePeriod,
	}

	if cfg.StoreBackend == config.BackendMemory {
		log.Warn(ctx, "using in-memory stores, nothing is persisted")
		deps.Objects = storage.NewMemoryObjectStore(cfg.MinIOBucketName)
		deps.Records = storage.NewMemoryRecordStore(cfg.DefaultOwner)
		return deps, nil, nil
	}

	var closers []io.Closer

	log.Info(ctx, "connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
	minioClient, err := storage.NewMinioClient(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.KeyPrefix,
		cfg.MinIOUseSSL,
		cfg.GetChunkSizeBytes(),
		log.With("component", "minio"),
	)
	if err != nil {
		return deps, closers, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	log.Info(ctx, "connecting to TiDB", "host", cfg.TiDBHost, "database", cfg.TiDBDatabase)
	tidbClient, err := storage.NewTiDBClient(cfg.GetDSN(), cfg.DefaultOwner)
	if err != nil {
		return deps, closers, fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	closers = append(closers, tidbClient)
	if err := tidbClient.EnsureSchema(ctx); err != nil {
		return deps, closers, fmt.Errorf("failed to ensure schema: %w", err)
	}

	log.Info(ctx, "connecting to Redis", "addr", cfg.GetRedisAddr())
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return deps, closers, fmt.Errorf("failed to initialize Redis client: %w", err)
	}
	closers = append(closers, redisClient)

	deps.Objects = minioClient
	deps.Records = storage.NewLiveRecordStore(tidbClient, redisClient, log.With("component", "records"))
	deps.Cache = redisClient
	return deps, closers, nil
}
