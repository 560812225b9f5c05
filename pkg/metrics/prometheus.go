package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPrometheusNamespace = "runs_queue"

// PrometheusPublisher publishes metrics to Prometheus via /metrics endpoint.
// All Publisher interface methods are documented on the Publisher interface.
type PrometheusPublisher struct {
	registry *prometheus.Registry

	bucketsEnqueued    prometheus.Gauge
	bucketsDequeued    prometheus.Gauge
	aliveWorkers       prometheus.Gauge
	ongoingJobs        prometheus.Gauge
	jobsScheduled      prometheus.Counter
	bucketsEnqueuedSum prometheus.Counter
	dequeueResults     *prometheus.CounterVec
	resultsAccepted    prometheus.Counter
	testsRetried       prometheus.Counter
	testsLost          prometheus.Counter
	stuckBuckets       *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	schedulingFailure  *prometheus.CounterVec
}

// Ensure PrometheusPublisher implements Publisher.
var _ Publisher = (*PrometheusPublisher)(nil)

// PrometheusConfig holds configuration for the Prometheus publisher.
type PrometheusConfig struct {
	Namespace string
}

// NewPrometheusPublisher creates a Prometheus metrics publisher.
func NewPrometheusPublisher(cfg PrometheusConfig) *PrometheusPublisher {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultPrometheusNamespace
	}

	registry := prometheus.NewRegistry()

	p := &PrometheusPublisher{
		registry: registry,

		bucketsEnqueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "buckets_enqueued",
			Help:      "Buckets waiting to be dequeued across running jobs",
		}),
		bucketsDequeued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "buckets_dequeued",
			Help:      "Buckets claimed by workers and awaiting results",
		}),
		aliveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "alive_workers",
			Help:      "Workers in working condition",
		}),
		ongoingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "ongoing_jobs",
			Help:      "Jobs scheduled and not yet deleted",
		}),
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Total number of schedule requests",
		}),
		bucketsEnqueuedSum: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "buckets_scheduled_total",
			Help:      "Total number of buckets added by schedule requests",
		}),
		dequeueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "dequeue_requests_total",
			Help:      "Total number of dequeue responses by kind",
		}, []string{"kind"}),
		resultsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "results_accepted_total",
			Help:      "Total number of accepted testing results",
		}),
		testsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "tests_retried_total",
			Help:      "Total number of test entries scheduled for another attempt",
		}),
		testsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "tests_lost_total",
			Help:      "Total number of test entries missing from worker results",
		}),
		stuckBuckets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "stuck_buckets_total",
			Help:      "Total number of reclaimed buckets by reason",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from scheduling to deletion of jobs",
			Buckets:   []float64{60, 300, 600, 1200, 1800, 3600, 7200, 14400},
		}),
		schedulingFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "scheduling_failure_total",
			Help:      "Total number of background task failures",
		}, []string{"task_type"}),
	}

	registry.MustRegister(
		p.bucketsEnqueued,
		p.bucketsDequeued,
		p.aliveWorkers,
		p.ongoingJobs,
		p.jobsScheduled,
		p.bucketsEnqueuedSum,
		p.dequeueResults,
		p.resultsAccepted,
		p.testsRetried,
		p.testsLost,
		p.stuckBuckets,
		p.jobDuration,
		p.schedulingFailure,
	)

	return p
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (p *PrometheusPublisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry for custom integrations.
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Close implements Publisher.Close. Prometheus registry doesn't require cleanup.
func (p *PrometheusPublisher) Close() error {
	return nil
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (p *PrometheusPublisher) PublishQueueDepth(_ context.Context, enqueued, dequeued int) error { //nolint:revive
	p.bucketsEnqueued.Set(float64(enqueued))
	p.bucketsDequeued.Set(float64(dequeued))
	return nil
}

func (p *PrometheusPublisher) PublishAliveWorkers(_ context.Context, count int) error { //nolint:revive
	p.aliveWorkers.Set(float64(count))
	return nil
}

func (p *PrometheusPublisher) PublishOngoingJobs(_ context.Context, count int) error { //nolint:revive
	p.ongoingJobs.Set(float64(count))
	return nil
}

func (p *PrometheusPublisher) PublishJobScheduled(_ context.Context) error { //nolint:revive
	p.jobsScheduled.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishBucketsEnqueued(_ context.Context, count int) error { //nolint:revive
	p.bucketsEnqueuedSum.Add(float64(count))
	return nil
}

func (p *PrometheusPublisher) PublishDequeueResult(_ context.Context, kind string) error { //nolint:revive
	p.dequeueResults.WithLabelValues(kind).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishResultAccepted(_ context.Context) error { //nolint:revive
	p.resultsAccepted.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishTestsRetried(_ context.Context, count int) error { //nolint:revive
	p.testsRetried.Add(float64(count))
	return nil
}

func (p *PrometheusPublisher) PublishTestsLost(_ context.Context, count int) error { //nolint:revive
	p.testsLost.Add(float64(count))
	return nil
}

func (p *PrometheusPublisher) PublishStuckBucket(_ context.Context, reason string) error { //nolint:revive
	p.stuckBuckets.WithLabelValues(reason).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishJobDuration(_ context.Context, durationSeconds int) error { //nolint:revive
	p.jobDuration.Observe(float64(durationSeconds))
	return nil
}

func (p *PrometheusPublisher) PublishSchedulingFailure(_ context.Context, taskType string) error { //nolint:revive
	p.schedulingFailure.WithLabelValues(taskType).Inc()
	return nil
}

// PublishServiceCheck is a no-op for Prometheus (Datadog-specific feature).
func (p *PrometheusPublisher) PublishServiceCheck(_ context.Context, _ string, _ int, _ string) error { //nolint:revive
	return nil
}

// PublishEvent is a no-op for Prometheus (Datadog-specific feature).
func (p *PrometheusPublisher) PublishEvent(_ context.Context, _, _, _ string, _ []string) error { //nolint:revive
	return nil
}
