// Package workerrunner runs the asynq worker with its periodic scheduler.
package workerrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pulsemetrics/sync-engine/reconcile"
	"github.com/pulsemetrics/sync-engine/redis"
	redisconfig "github.com/pulsemetrics/sync-engine/redis/config"
	"github.com/pulsemetrics/sync-engine/redis/tasks"
	"github.com/pulsemetrics/sync-engine/runner"
	"github.com/pulsemetrics/sync-engine/s3archive"
)

type WorkerRunner struct {
	engine *runner.Engine
	server *redis.Server
	mux    *asynq.ServeMux
	sched  redis.SchedulerConfig
}

func New(cfg *runner.Config) (*WorkerRunner, error) {
	logger := runner.NewLogger(cfg.Debug)

	engine, err := runner.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	redisCfg, err := redisconfig.NewRedisConfig()
	if err != nil {
		_ = engine.Close()

		return nil, fmt.Errorf("failed to load Redis config: %w", err)
	}

	reconcileFn := func(ctx context.Context, opts reconcile.Options) (reconcile.Summary, error) {
		job := reconcile.NewJob(
			engine.Credentials,
			engine.Receipts,
			engine.Entities,
			engine.Cache,
			engine.Manager,
			engine.Registry,
			engine.Pipeline,
			runner.Telemetry(),
			logger,
			opts,
		)

		return job.Run(ctx)
	}

	handlerOpts := []tasks.HandlerOption{
		tasks.WithReconcileFunc(reconcileFn),
		tasks.WithSettings(engine.Settings),
		tasks.WithLogger(logger),
	}

	sched := redis.SchedulerConfig{ReconcileSpec: cfg.ReconcileSpec}

	if cfg.S3Bucket != "" && cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		uploader, err := s3archive.NewS3Uploader(cfg.AwsAccessKey, cfg.AwsSecretKey, cfg.AwsRegion)
		if err != nil {
			_ = engine.Close()

			return nil, err
		}

		archiver := s3archive.NewArchiver(engine.Receipts, uploader, cfg.S3Bucket, logger)

		handlerOpts = append(handlerOpts, tasks.WithArchiveFunc(func(ctx context.Context, retention time.Duration) (int, error) {
			return archiver.Run(ctx, retention)
		}))

		sched.ArchiveSpec = cfg.ArchiveSpec
	} else {
		logger.Info("receipt archival disabled, no S3 bucket or AWS credentials configured")
	}

	handler := tasks.NewHandler(handlerOpts...)

	mux := asynq.NewServeMux()
	handler.Register(mux)

	return &WorkerRunner{
		engine: engine,
		server: redis.NewServer(redisCfg, logger),
		mux:    mux,
		sched:  sched,
	}, nil
}

func (r *WorkerRunner) Run(ctx context.Context) error {
	r.engine.Logger.Info("starting worker")

	if err := r.server.Start(r.mux, r.sched); err != nil {
		return err
	}

	<-ctx.Done()

	return ctx.Err()
}

func (r *WorkerRunner) Close(ctx context.Context) error {
	if err := r.server.Shutdown(ctx); err != nil {
		return err
	}

	return r.engine.Close()
}
