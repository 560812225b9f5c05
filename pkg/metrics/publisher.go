// Package metrics provides metrics publishing abstractions and implementations.
package metrics

import "context"

// Publisher defines the interface for publishing metrics to various backends.
type Publisher interface {
	// Close releases any resources held by the publisher.
	// Implementations that don't need cleanup should return nil.
	Close() error

	// PublishQueueDepth publishes the enqueued and dequeued bucket counts
	// summed over all running jobs.
	PublishQueueDepth(ctx context.Context, enqueued, dequeued int) error

	// PublishAliveWorkers publishes the number of workers in working condition.
	PublishAliveWorkers(ctx context.Context, count int) error

	// PublishOngoingJobs publishes the number of jobs that are not deleted.
	PublishOngoingJobs(ctx context.Context, count int) error

	// PublishJobScheduled publishes a job scheduled event.
	PublishJobScheduled(ctx context.Context) error

	// PublishBucketsEnqueued publishes the count of buckets added by a schedule request.
	PublishBucketsEnqueued(ctx context.Context, count int) error

	// PublishDequeueResult publishes one dequeue response with its kind as dimension.
	PublishDequeueResult(ctx context.Context, kind string) error

	// PublishResultAccepted publishes an accepted testing result.
	PublishResultAccepted(ctx context.Context) error

	// PublishTestsRetried publishes the count of test entries scheduled for another attempt.
	PublishTestsRetried(ctx context.Context, count int) error

	// PublishTestsLost publishes the count of test entries a worker never reported.
	PublishTestsLost(ctx context.Context, count int) error

	// PublishStuckBucket publishes a reclaimed bucket with the reason as dimension.
	PublishStuckBucket(ctx context.Context, reason string) error

	// PublishJobDuration publishes the time from scheduling to deletion in seconds.
	PublishJobDuration(ctx context.Context, durationSeconds int) error

	// PublishSchedulingFailure publishes a background task failure with task type dimension.
	PublishSchedulingFailure(ctx context.Context, taskType string) error

	// PublishServiceCheck publishes a service health check.
	// status: 0=OK, 1=Warning, 2=Critical, 3=Unknown
	PublishServiceCheck(ctx context.Context, name string, status int, message string) error

	// PublishEvent publishes a notable event (e.g., a worker went silent with buckets claimed).
	// alertType: "info", "warning", "error", "success"
	PublishEvent(ctx context.Context, title, text, alertType string, tags []string) error
}

// NoopPublisher is a no-op implementation of Publisher for testing or disabled metrics.
// All methods are documented on the Publisher interface.
type NoopPublisher struct{}

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) Close() error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishQueueDepth(context.Context, int, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishAliveWorkers(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishOngoingJobs(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishJobScheduled(context.Context) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishBucketsEnqueued(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishDequeueResult(context.Context, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishResultAccepted(context.Context) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishTestsRetried(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishTestsLost(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishStuckBucket(context.Context, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishJobDuration(context.Context, int) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishSchedulingFailure(context.Context, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishServiceCheck(context.Context, string, int, string) error { return nil }

//nolint:revive // Interface implementation - documented on Publisher interface
func (NoopPublisher) PublishEvent(context.Context, string, string, string, []string) error {
	return nil
}

// Ensure NoopPublisher implements Publisher.
var _ Publisher = NoopPublisher{}
