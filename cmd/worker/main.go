// Command worker delivers transfer notices to Kafka and scans for transfer requests that
// have waited too long for a decision.
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
	"github.com/landledger/landledger/internal/events"
	"github.com/landledger/landledger/internal/identity"
	jobmetrics "github.com/landledger/landledger/internal/jobs"
	"github.com/landledger/landledger/internal/observability"
	"github.com/landledger/landledger/internal/session"
	"github.com/landledger/landledger/jobs"
)

func main() {
	if app.SkipStartup("worker") {
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

	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS must be set for the worker")
		os.Exit(1)
	}
	sink := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("kafka close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	metricsServer := &http.Server{Addr: cfg.AppAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.AppAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskTransferNotice, Handler: jobs.NewTransferNoticeJob(sink, logger, jobMetrics).Handle},
	}
	var cron []jobs.CronRegistration

	if cfg.WorkerToken == "" {
		logger.Warn("WORKER_TOKEN_FILE not set, stale transfer scan disabled")
	} else {
		manager, err := workerSession(ctx, cfg, logger)
		if err != nil {
			logger.Error("establish worker session", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := manager.Logout(context.Background()); err != nil {
				logger.Warn("worker logout", slog.Any("error", err))
			}
		}()

		if sess := manager.CurrentSession(); !jobs.CanScan(sess) {
			logger.Error("worker principal cannot read every transfer request, stale transfer scan disabled",
				slog.String("principal", sess.Principal.String()),
				slog.String("roles", sess.Roles.String()),
				slog.String("resolution", sess.Resolution.Reason()),
			)
		} else {
			scan := jobs.NewStalePendingScanJob(func() jobs.PendingLister {
				if client := manager.Registry(); client != nil {
					return client
				}
				return nil
			}, manager.CurrentSession, logger, jobMetrics)
			handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskStalePendingScan, Handler: scan.Handle})

			scanTask, err := jobs.NewStalePendingScanTask(cfg.StalePendingAfter)
			if err != nil {
				logger.Error("build stale scan task", slog.Any("error", err))
				os.Exit(1)
			}
			cron = append(cron, jobs.CronRegistration{Spec: cfg.StaleScanCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(1)}})
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// workerSession logs the worker in with the delegation in WORKER_TOKEN_FILE. The scan runs
// as that principal and is only registered when it holds a reviewer role.
func workerSession(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*session.Manager, error) {
	verifier, err := cfg.Verifier()
	if err != nil {
		return nil, err
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	provider := identity.NewTokenProvider(identity.FileToken(cfg.WorkerToken), verifier)
	manager := session.NewManager(provider, sessionCfg, session.WithLogger(logger))
	if err := manager.Initialize(ctx); err != nil {
		return nil, err
	}
	if !manager.CurrentSession().Authenticated() {
		if err := manager.Login(ctx); err != nil {
			return nil, err
		}
	}
	sess := manager.CurrentSession()
	logger.Info("worker session established",
		slog.String("principal", sess.Principal.String()),
		slog.String("roles", sess.Roles.String()),
	)
	return manager, nil
}
