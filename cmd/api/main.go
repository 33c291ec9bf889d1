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

	"github.com/iac-studio/deployengine/internal/api"
	"github.com/iac-studio/deployengine/internal/api/handlers"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
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

	log.Info("starting deployment engine api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)
	if err := cfg.RequireServices(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.Open(ctx, database.Options{DSN: cfg.DatabaseURL, Verbose: cfg.AppEnv == "development"})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0})
	defer rdb.Close()

	var prober credentials.Prober = credentials.NopProber{}
	if cfg.CredentialProbe {
		prober = &credentials.STSProber{}
	}

	// The api runs no deployments; stop requests write the marker file the
	// worker polls.
	svc := services.NewDeploymentService(services.DeploymentDeps{
		WorkingDir:  cfg.WorkingDir,
		Repo:        repository.NewDeploymentRepository(db),
		Queue:       queue,
		Injector:    credentials.NewInjector(nil),
		Prober:      prober,
		TaskTimeout: cfg.TaskTimeout,
	})

	deps := api.Dependencies{
		DeploymentsHandler: handlers.NewDeploymentsHandler(svc),
		HealthHandler: handlers.NewHealthHandler(map[string]handlers.Checker{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
		RateLimit:   cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
		CORSOrigins: cfg.CORSOrigins,
	}
	if m := metrics.New(cfg.MetricsEnabled); m.Enabled() {
		deps.Metrics = m.Handler()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
