// Package housekeeping runs the periodic maintenance of the balancing queue.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/logging"
)

// TaskType represents the type of housekeeping task.
type TaskType string

const (
	// TaskStuckBuckets reclaims buckets held by silent workers or lost by them.
	TaskStuckBuckets TaskType = "stuck_buckets"
	// TaskQueueState publishes queue depth, ongoing jobs and alive workers.
	TaskQueueState TaskType = "queue_state"
)

// QueueAPI is the part of the balancing queue housekeeping drives.
type QueueAPI interface {
	ReenqueueStuckBuckets(ctx context.Context) []bucket.StuckBucket
	Totals() balancing.Totals
}

// WorkerAPI reports the workers able to take buckets.
type WorkerAPI interface {
	WorkersInWorkingCondition() []bucket.WorkerID
}

// MetricsAPI defines the gauges published by the queue state task.
type MetricsAPI interface {
	PublishQueueDepth(ctx context.Context, enqueued, dequeued int) error
	PublishOngoingJobs(ctx context.Context, count int) error
	PublishAliveWorkers(ctx context.Context, count int) error
}

// Tasks implements housekeeping task execution.
type Tasks struct {
	queue   QueueAPI
	workers WorkerAPI
	metrics MetricsAPI
	log     *logging.Logger
}

// NewTasks creates a new Tasks executor.
func NewTasks(queue QueueAPI, workers WorkerAPI, metrics MetricsAPI) *Tasks {
	return &Tasks{
		queue:   queue,
		workers: workers,
		metrics: metrics,
		log:     logging.WithComponent(logging.LogTypeHousekeep, "tasks"),
	}
}

// logger returns the logger, using a default if not initialized.
func (t *Tasks) logger() *logging.Logger {
	if t.log == nil {
		return logging.WithComponent(logging.LogTypeHousekeep, "tasks")
	}
	return t.log
}

// Execute runs one task by type.
func (t *Tasks) Execute(ctx context.Context, taskType TaskType) error {
	switch taskType {
	case TaskStuckBuckets:
		return t.ExecuteStuckBuckets(ctx)
	case TaskQueueState:
		return t.ExecuteQueueState(ctx)
	default:
		return fmt.Errorf("unknown task type %q", taskType)
	}
}

// ExecuteStuckBuckets re-enqueues the buckets of silent workers and the
// buckets workers no longer report as being processed.
func (t *Tasks) ExecuteStuckBuckets(ctx context.Context) error {
	stuck := t.queue.ReenqueueStuckBuckets(ctx)
	if len(stuck) == 0 {
		return nil
	}

	byReason := make(map[bucket.StuckReason]int)
	for _, s := range stuck {
		byReason[s.Reason]++
	}
	for reason, count := range byReason {
		t.logger().Info("stuck buckets reenqueued",
			slog.String(logging.KeyReason, string(reason)),
			slog.Int(logging.KeyCount, count))
	}
	return nil
}

// ExecuteQueueState publishes a snapshot of the queue gauges.
func (t *Tasks) ExecuteQueueState(ctx context.Context) error {
	if t.metrics == nil {
		return nil
	}

	totals := t.queue.Totals()
	var errs []error
	if err := t.metrics.PublishQueueDepth(ctx, totals.EnqueuedBuckets, totals.DequeuedBuckets); err != nil {
		errs = append(errs, fmt.Errorf("queue depth: %w", err))
	}
	if err := t.metrics.PublishOngoingJobs(ctx, totals.OngoingJobs); err != nil {
		errs = append(errs, fmt.Errorf("ongoing jobs: %w", err))
	}
	if t.workers != nil {
		if err := t.metrics.PublishAliveWorkers(ctx, len(t.workers.WorkersInWorkingCondition())); err != nil {
			errs = append(errs, fmt.Errorf("alive workers: %w", err))
		}
	}
	return errors.Join(errs...)
}
