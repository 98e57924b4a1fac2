// Command gateway serves the land registry over HTTP. Callers present their delegation as
// a bearer token and every request runs under its own session.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/landledger/landledger/internal/app"
	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/gateway"
	"github.com/landledger/landledger/internal/observability"
	"github.com/landledger/landledger/internal/platform/cache"
	"github.com/landledger/landledger/internal/platform/db"
	"github.com/landledger/landledger/internal/platform/migration"
	"github.com/landledger/landledger/internal/transfer"
	"github.com/landledger/landledger/jobs"
)

func main() {
	if app.SkipStartup("gateway") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	verifier, err := cfg.Verifier()
	if err != nil {
		logger.Error("build delegation verifier", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migration.RunUp(cfg.PGDSN, logger); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}
	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 10, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		logger.Warn("redis unavailable, transfer notices will fail until it returns", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	var base *bootstrap.Client
	if cfg.BackendServiceID == "" {
		logger.Error("BACKEND_SERVICE_ID is not set; registry calls will report not initialized")
	} else {
		env, err := cfg.RegistryEnvironment()
		if err != nil {
			logger.Error("registry environment", slog.Any("error", err))
			os.Exit(1)
		}
		base, err = bootstrap.CreateClient(ctx, nil, env,
			bootstrap.WithLogger(logger),
			bootstrap.WithUnaryInterceptor(metrics.UnaryClientInterceptor()),
		)
		if err != nil {
			logger.Error("connect registry", slog.String("host", env.Host), slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := base.Close(); err != nil {
				logger.Warn("registry close", slog.Any("error", err))
			}
		}()
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	noticeClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := noticeClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	recorder := transfer.NewApprovalRecorder(dbpool, logger)
	workflow := transfer.New(
		transfer.WithLogger(logger),
		transfer.WithRecorder(recorder),
		transfer.WithPublisher(noticeClient),
	)

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Authenticator: &gateway.Authenticator{
			Verifier: verifier,
			Base:     base,
			Logger:   logger,
		},
		APIHandler: gateway.NewHandler(workflow, recorder, logger),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Ready: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := dbpool.Ping(pingCtx); err != nil {
				return err
			}
			if redisClient == nil {
				return errors.New("redis unavailable")
			}
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				return err
			}
			if base == nil {
				return errors.New("registry not configured")
			}
			return base.TrustErr()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
