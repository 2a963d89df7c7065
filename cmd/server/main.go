package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"go.uber.org/zap"

	"modelgen-service/internal/artifact"
	"modelgen-service/internal/config"
	"modelgen-service/internal/orchestrator"
	"modelgen-service/internal/repository/postgresql"
	"modelgen-service/internal/scriptgen"
	"modelgen-service/internal/store"
	httptransport "modelgen-service/internal/transport/http"
	"modelgen-service/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// Blob stores: the output directory shared with the worker, plus an
	// optional S3 mirror for durable artifact storage.
	fsStore, err := artifact.NewFSStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal("output dir", zap.Error(err))
	}
	var mirror artifact.Store
	if cfg.Artifacts.S3.Endpoint != "" {
		s3Store, err := artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Artifacts.S3.Endpoint,
			Region:    cfg.Artifacts.S3.Region,
			AccessKey: cfg.Artifacts.S3.AccessKey,
			SecretKey: cfg.Artifacts.S3.SecretKey,
			Bucket:    cfg.Artifacts.S3.Bucket,
			UseSSL:    cfg.Artifacts.S3.UseSSL,
		})
		if err != nil {
			logger.Fatal("s3 store", zap.Error(err))
		}
		mirror = s3Store
	}

	registry, err := artifact.NewRegistry(fsStore, mirror, cfg.Artifacts.MaxPreviews, logger)
	if err != nil {
		logger.Fatal("artifact registry", zap.Error(err))
	}

	// Optional terminal-job archive.
	var archiver orchestrator.Archiver
	if cfg.PostgresDSN != "" {
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("pg", zap.Error(err))
		}
		defer pool.Close()

		jobArchive := postgresql.NewJobArchive(pool)
		if err := jobArchive.EnsureSchema(ctx); err != nil {
			logger.Fatal("pg schema", zap.Error(err))
		}
		archiver = jobArchive
	}

	generator := scriptgen.New(scriptgen.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout.Std(),
		Offline: cfg.Provider.Offline,
	}, logger)

	workerClient := worker.NewHTTPClient(cfg.Worker.Endpoint, logger)

	orch := orchestrator.New(orchestrator.Config{
		WorkerDeadline: cfg.Worker.Deadline.Std(),
		PollInterval:   cfg.Worker.PollInterval.Std(),
	}, orchestrator.Deps{
		Store:     store.NewMemoryStore(),
		Generator: generator,
		Worker:    workerClient,
		Artifacts: registry,
		Scripts:   fsStore,
		Archiver:  archiver,
		Logger:    logger,
	})

	handler := httptransport.NewHandler(orch, registry)
	router := httptransport.Routes(handler, logger)

	logger.Info("server starting",
		zap.String("port", cfg.Server.Port),
		zap.String("output_dir", cfg.OutputDir),
		zap.String("worker_endpoint", cfg.Worker.Endpoint),
		zap.Duration("worker_deadline", cfg.Worker.Deadline.Std()),
		zap.Bool("offline_fallback", generator.Offline()),
		zap.String("postgres_dsn", redactDSN(cfg.PostgresDSN)),
	)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// redactDSN masks the password in a postgres DSN for logging.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	re := regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)
	return re.ReplaceAllString(dsn, `://$1:****@`)
}
