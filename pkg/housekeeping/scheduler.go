package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shavakan/runs-queue/pkg/logging"
	"k8s.io/utils/clock"
)

// TaskExecutor executes housekeeping tasks.
type TaskExecutor interface {
	Execute(ctx context.Context, taskType TaskType) error
}

// SchedulerMetrics defines metrics operations for the scheduler.
type SchedulerMetrics interface {
	PublishSchedulingFailure(ctx context.Context, taskType string) error
}

// SchedulerConfig holds configuration for the housekeeping scheduler.
type SchedulerConfig struct {
	// StuckBucketsInterval is how often to sweep for stuck buckets.
	// Default: 10 seconds
	StuckBucketsInterval time.Duration

	// QueueStateInterval is how often to publish queue state gauges.
	// Default: 30 seconds
	QueueStateInterval time.Duration

	// TaskTimeout bounds a single task execution.
	// Default: 1 minute
	TaskTimeout time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		StuckBucketsInterval: 10 * time.Second,
		QueueStateInterval:   30 * time.Second,
		TaskTimeout:          1 * time.Minute,
	}
}

// Scheduler periodically runs housekeeping tasks.
type Scheduler struct {
	executor TaskExecutor
	config   SchedulerConfig
	metrics  SchedulerMetrics
	clock    clock.WithTicker
	log      *logging.Logger
}

// NewScheduler creates a new housekeeping scheduler.
func NewScheduler(executor TaskExecutor, cfg SchedulerConfig, clk clock.WithTicker) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.StuckBucketsInterval <= 0 {
		cfg.StuckBucketsInterval = defaults.StuckBucketsInterval
	}
	if cfg.QueueStateInterval <= 0 {
		cfg.QueueStateInterval = defaults.QueueStateInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaults.TaskTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		executor: executor,
		config:   cfg,
		clock:    clk,
		log:      logging.WithComponent(logging.LogTypeHousekeep, "scheduler"),
	}
}

// SetMetrics sets the metrics publisher for alerting on task failures.
func (s *Scheduler) SetMetrics(m SchedulerMetrics) {
	s.metrics = m
}

// Run starts the scheduler loop and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("housekeeping scheduler starting",
		slog.Duration("stuck_buckets_interval", s.config.StuckBucketsInterval),
		slog.Duration("queue_state_interval", s.config.QueueStateInterval))

	stuckTicker := s.clock.NewTicker(s.config.StuckBucketsInterval)
	stateTicker := s.clock.NewTicker(s.config.QueueStateInterval)
	defer stuckTicker.Stop()
	defer stateTicker.Stop()

	s.runTask(ctx, TaskQueueState)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("housekeeping scheduler shutting down")
			return

		case <-stuckTicker.C():
			s.runTask(ctx, TaskStuckBuckets)

		case <-stateTicker.C():
			s.runTask(ctx, TaskQueueState)
		}
	}
}

const maxTaskRetries = 3

// schedulerBaseRetryDelay is the initial delay before the first retry.
var schedulerBaseRetryDelay = 1 * time.Second

// runTask executes a task with retry logic.
func (s *Scheduler) runTask(ctx context.Context, taskType TaskType) {
	var lastErr error
	for attempt := 0; attempt < maxTaskRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s...
			backoff := schedulerBaseRetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-s.clock.After(backoff):
			case <-ctx.Done():
				return
			}
		}

		taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
		start := s.clock.Now()
		err := s.executor.Execute(taskCtx, taskType)
		cancel()
		if err == nil {
			s.log.Debug("housekeeping task done",
				slog.String(logging.KeyTask, string(taskType)),
				slog.Duration(logging.KeyDuration, s.clock.Since(start)))
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		s.log.Warn("housekeeping task failed",
			slog.String(logging.KeyTask, string(taskType)),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxTaskRetries),
			slog.String(logging.KeyError, err.Error()))
	}

	s.log.Error("housekeeping task exhausted retries",
		slog.String(logging.KeyTask, string(taskType)),
		slog.String(logging.KeyError, lastErr.Error()))

	if s.metrics != nil {
		if metricErr := s.metrics.PublishSchedulingFailure(ctx, string(taskType)); metricErr != nil {
			s.log.Warn("scheduling failure metric publish failed",
				slog.String(logging.KeyError, metricErr.Error()))
		}
	}
}
