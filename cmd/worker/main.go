package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/orchestrator"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/internal/queue/tasks"
	"github.com/iac-studio/deployengine/internal/registry"
	"github.com/iac-studio/deployengine/internal/repository"
	"github.com/iac-studio/deployengine/internal/services"
	"github.com/iac-studio/deployengine/pkg/config"
	"github.com/iac-studio/deployengine/pkg/database"
	"github.com/iac-studio/deployengine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.RequireServices(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}

	ctx := context.Background()
	if info, err := terraform.Preflight(ctx, cfg.TerraformBin, cfg.WorkingDir); err != nil {
		log.Fatal("terraform preflight failed", zap.Error(err))
	} else {
		log.Info("terraform found", zap.String("binary", info.Binary), zap.String("version", info.Version))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	db, err := database.Open(ctx, database.Options{DSN: cfg.DatabaseURL, Verbose: cfg.AppEnv == "development"})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	deploymentRepo := repository.NewDeploymentRepository(db)

	m := metrics.New(cfg.MetricsEnabled)
	injector := credentials.NewInjector(nil)
	reg := registry.New()

	// Runs left active by a previous worker can never finish.
	sweeper := services.NewDeploymentService(services.DeploymentDeps{
		WorkingDir: cfg.WorkingDir,
		Repo:       deploymentRepo,
		Injector:   injector,
		Registry:   reg,
	})
	if n, err := sweeper.SweepStale(ctx, cfg.StaleAfter); err != nil {
		log.Error("stale deployment sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("marked stale deployments failed", zap.Int("count", n))
	}

	fixer := autofix.NewFromConfig(ctx, cfg, injector, m)

	controller := orchestrator.New(
		terraform.NewExecRunner(cfg.TerraformBin),
		reg,
		orchestrator.WithFixer(fixer),
		orchestrator.WithRows(deploymentRepo),
		orchestrator.WithMetrics(m),
		orchestrator.WithInjector(injector),
		orchestrator.WithMaxRetries(cfg.MaxRetries),
		orchestrator.WithTimeouts(cfg.StageTimeout, cfg.TeardownTimeout),
		orchestrator.WithInventory(cfg.InventoryEnabled),
	)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{tasks.QueueDeployments: 1},
			// A run may sit in teardown well past the stage deadline.
			ShutdownTimeout: cfg.TeardownTimeout,
		},
	)

	mux := asynq.NewServeMux()
	handler := tasks.NewProvisionTaskHandler(controller, cfg.WorkingDir)
	mux.HandleFunc(tasks.TypeProvision, handler.HandleProvision)

	var metricsSrv *http.Server
	if m.Enabled() && cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// In-flight runs stop at their next stage boundary.
	for _, id := range reg.Active() {
		if _, err := reg.RequestStop(id); err != nil {
			logger.L().Warn("stop request failed", zap.String("deployment_id", id), zap.Error(err))
		}
	}
	srv.Shutdown()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
