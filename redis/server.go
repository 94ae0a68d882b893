package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/redis/config"
	"github.com/pulsemetrics/sync-engine/redis/tasks"
)

// Server runs the asynq worker plus the periodic scheduler that feeds it.
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	cfg       *config.RedisConfig
	logger    *zap.Logger
	mu        sync.Mutex
}

// SchedulerConfig controls the periodic task cadence.
type SchedulerConfig struct {
	// ReconcileSpec is a cron spec or @every interval for the
	// reconciliation pass. Empty disables scheduling.
	ReconcileSpec string
	// ArchiveSpec schedules the receipt archival sweep.
	ArchiveSpec string
}

// NewServer builds the worker server. Retry backoff is exponential capped
// at the configured retry interval; tasks that exhaust cfg.MaxRetries are
// dropped with a log line rather than retried forever.
func NewServer(cfg *config.RedisConfig, logger *zap.Logger) *Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			if n >= cfg.MaxRetries {
				logger.Error("task exhausted retries",
					zap.String("task_type", task.Type()),
					zap.Error(err))

				return -1 * time.Second
			}

			delay := time.Duration(1<<uint(n)) * time.Second
			if delay > cfg.RetryInterval {
				delay = cfg.RetryInterval
			}

			return delay
		},
		Queues:         cfg.QueuePriorities,
		StrictPriority: true,
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	return &Server{server: srv, scheduler: scheduler, cfg: cfg, logger: logger}
}

// Start registers the handler mux, wires the periodic entries, and starts
// both the worker and the scheduler. It does not block.
func (s *Server) Start(mux *asynq.ServeMux, sched SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sched.ReconcileSpec != "" {
		task, err := tasks.NewReconcileTask()
		if err != nil {
			return err
		}

		if _, err := s.scheduler.Register(sched.ReconcileSpec, task, asynq.Queue(tasks.PriorityDefault)); err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}

	if sched.ArchiveSpec != "" {
		task, err := tasks.NewArchiveTask()
		if err != nil {
			return err
		}

		if _, err := s.scheduler.Register(sched.ArchiveSpec, task, asynq.Queue(tasks.PriorityLow)); err != nil {
			return fmt.Errorf("failed to schedule receipt archival: %w", err)
		}
	}

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()

		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	return nil
}

// Shutdown stops the scheduler and drains in-flight tasks.
func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.Shutdown()
	s.server.Shutdown()

	return nil
}
