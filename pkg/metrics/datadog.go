package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const defaultDatadogNamespace = "runs_queue"

// ServiceCheckStatus represents Datadog service check status values.
const (
	ServiceCheckOK       = 0
	ServiceCheckWarning  = 1
	ServiceCheckCritical = 2
	ServiceCheckUnknown  = 3
)

// DatadogPublisher publishes metrics to Datadog via DogStatsD.
// All Publisher interface methods are documented on the Publisher interface.
type DatadogPublisher struct {
	client     *statsd.Client
	namespace  string
	tags       []string
	sampleRate float64
}

// Ensure DatadogPublisher implements Publisher.
var _ Publisher = (*DatadogPublisher)(nil)

// DatadogConfig holds configuration for the Datadog publisher.
type DatadogConfig struct {
	// Address is the DogStatsD address (default: "127.0.0.1:8125")
	Address string
	// Namespace is the metric namespace prefix (default: "runs_queue")
	Namespace string
	// Tags are global tags applied to all metrics
	Tags []string
	// SampleRate for high-frequency metrics (default: 1.0 = 100%)
	// Values < 1.0 enable sampling to reduce network traffic
	SampleRate float64

	// Client tuning options (0 = use library default)
	// BufferPoolSize configures buffer pool size (0 = library default of 2048)
	BufferPoolSize int
	// BufferFlushInterval configures flush interval (0 = library default of 100ms)
	BufferFlushInterval time.Duration
	// WorkersCount configures parallel workers (0 = library default of 1)
	WorkersCount int
	// MaxMessagesPerPayload limits messages per UDP payload (0 = unlimited)
	MaxMessagesPerPayload int
}

// NewDatadogPublisher creates a Datadog metrics publisher using DogStatsD.
func NewDatadogPublisher(cfg DatadogConfig) (*DatadogPublisher, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultDatadogNamespace
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	opts := []statsd.Option{
		statsd.WithNamespace(cfg.Namespace + "."),
		statsd.WithTags(cfg.Tags),
	}

	if cfg.BufferPoolSize > 0 {
		opts = append(opts, statsd.WithBufferPoolSize(cfg.BufferPoolSize))
	}
	if cfg.BufferFlushInterval > 0 {
		opts = append(opts, statsd.WithBufferFlushInterval(cfg.BufferFlushInterval))
	}
	if cfg.WorkersCount > 0 {
		opts = append(opts, statsd.WithWorkersCount(cfg.WorkersCount))
	}
	if cfg.MaxMessagesPerPayload > 0 {
		opts = append(opts, statsd.WithMaxMessagesPerPayload(cfg.MaxMessagesPerPayload))
	}

	client, err := statsd.New(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	return &DatadogPublisher{
		client:     client,
		namespace:  cfg.Namespace,
		tags:       cfg.Tags,
		sampleRate: cfg.SampleRate,
	}, nil
}

// Close closes the DogStatsD client connection.
func (p *DatadogPublisher) Close() error {
	return p.client.Close()
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *DatadogPublisher) PublishQueueDepth(_ context.Context, enqueued, dequeued int) error { //nolint:revive
	if err := p.client.Gauge("buckets_enqueued", float64(enqueued), nil, 1); err != nil {
		return err
	}
	return p.client.Gauge("buckets_dequeued", float64(dequeued), nil, 1)
}

func (p *DatadogPublisher) PublishAliveWorkers(_ context.Context, count int) error { //nolint:revive
	return p.client.Gauge("alive_workers", float64(count), nil, 1)
}

func (p *DatadogPublisher) PublishOngoingJobs(_ context.Context, count int) error { //nolint:revive
	return p.client.Gauge("ongoing_jobs", float64(count), nil, 1)
}

func (p *DatadogPublisher) PublishJobScheduled(_ context.Context) error { //nolint:revive
	return p.client.Incr("jobs_scheduled", nil, 1)
}

func (p *DatadogPublisher) PublishBucketsEnqueued(_ context.Context, count int) error { //nolint:revive
	return p.client.Count("buckets_scheduled", int64(count), nil, 1)
}

// PublishDequeueResult uses sample rate since workers poll continuously.
func (p *DatadogPublisher) PublishDequeueResult(_ context.Context, kind string) error { //nolint:revive
	return p.client.Incr("dequeue_requests", []string{"kind:" + kind}, p.sampleRate)
}

func (p *DatadogPublisher) PublishResultAccepted(_ context.Context) error { //nolint:revive
	return p.client.Incr("results_accepted", nil, 1)
}

func (p *DatadogPublisher) PublishTestsRetried(_ context.Context, count int) error { //nolint:revive
	return p.client.Count("tests_retried", int64(count), nil, 1)
}

func (p *DatadogPublisher) PublishTestsLost(_ context.Context, count int) error { //nolint:revive
	return p.client.Count("tests_lost", int64(count), nil, 1)
}

func (p *DatadogPublisher) PublishStuckBucket(_ context.Context, reason string) error { //nolint:revive
	return p.client.Incr("stuck_buckets", []string{"reason:" + reason}, 1)
}

func (p *DatadogPublisher) PublishJobDuration(_ context.Context, durationSeconds int) error { //nolint:revive
	// Use Distribution for global percentile aggregation across all hosts
	return p.client.Distribution("job_duration_seconds", float64(durationSeconds), nil, 1)
}

func (p *DatadogPublisher) PublishSchedulingFailure(_ context.Context, taskType string) error { //nolint:revive
	return p.client.Incr("scheduling_failure", []string{"task_type:" + taskType}, 1)
}

// PublishServiceCheck publishes a Datadog service check.
func (p *DatadogPublisher) PublishServiceCheck(_ context.Context, name string, status int, message string) error { //nolint:revive
	var ddStatus statsd.ServiceCheckStatus
	switch status {
	case ServiceCheckOK:
		ddStatus = statsd.Ok
	case ServiceCheckWarning:
		ddStatus = statsd.Warn
	case ServiceCheckCritical:
		ddStatus = statsd.Critical
	default:
		ddStatus = statsd.Unknown
	}

	return p.client.ServiceCheck(&statsd.ServiceCheck{
		Name:    p.namespace + "." + name,
		Status:  ddStatus,
		Message: message,
		Tags:    p.tags,
	})
}

// PublishEvent publishes a Datadog event.
func (p *DatadogPublisher) PublishEvent(_ context.Context, title, text, alertType string, tags []string) error { //nolint:revive
	var ddAlertType statsd.EventAlertType
	switch alertType {
	case "warning":
		ddAlertType = statsd.Warning
	case "error":
		ddAlertType = statsd.Error
	case "success":
		ddAlertType = statsd.Success
	default:
		ddAlertType = statsd.Info
	}

	allTags := make([]string, 0, len(p.tags)+len(tags))
	allTags = append(allTags, p.tags...)
	allTags = append(allTags, tags...)

	return p.client.Event(&statsd.Event{
		Title:     title,
		Text:      text,
		AlertType: ddAlertType,
		Tags:      allTags,
	})
}
