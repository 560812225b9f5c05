package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shavakan/runs-queue/pkg/logging"
)

const publishTimeout = 5 * time.Second

var metricsLog = logging.WithComponent(logging.LogTypeMetrics, "multi")

// MultiPublisher publishes metrics to multiple backends simultaneously.
// All Publisher interface methods are documented on the Publisher interface.
type MultiPublisher struct {
	publishers []Publisher
}

// Ensure MultiPublisher implements Publisher.
var _ Publisher = (*MultiPublisher)(nil)

// NewMultiPublisher creates a publisher that fans out to multiple backends.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Add adds a publisher to the fan-out list.
func (m *MultiPublisher) Add(p Publisher) {
	m.publishers = append(m.publishers, p)
}

// Publishers returns the list of configured publishers.
func (m *MultiPublisher) Publishers() []Publisher {
	return m.publishers
}

// Close closes all child publishers.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) publishAll(fn func(p Publisher) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, p := range m.publishers {
		wg.Add(1)
		go func(pub Publisher) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() {
				done <- fn(pub)
			}()
			select {
			case err := <-done:
				if err != nil {
					metricsLog.Warn("metrics publish error", slog.String("error", err.Error()))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			case <-time.After(publishTimeout):
				metricsLog.Warn("metrics publish timeout", slog.Duration("timeout", publishTimeout))
				mu.Lock()
				errs = append(errs, fmt.Errorf("publish timeout after %v", publishTimeout))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (m *MultiPublisher) PublishQueueDepth(ctx context.Context, enqueued, dequeued int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishQueueDepth(ctx, enqueued, dequeued)
	})
}

func (m *MultiPublisher) PublishAliveWorkers(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishAliveWorkers(ctx, count)
	})
}

func (m *MultiPublisher) PublishOngoingJobs(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishOngoingJobs(ctx, count)
	})
}

func (m *MultiPublisher) PublishJobScheduled(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishJobScheduled(ctx)
	})
}

func (m *MultiPublisher) PublishBucketsEnqueued(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishBucketsEnqueued(ctx, count)
	})
}

func (m *MultiPublisher) PublishDequeueResult(ctx context.Context, kind string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishDequeueResult(ctx, kind)
	})
}

func (m *MultiPublisher) PublishResultAccepted(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishResultAccepted(ctx)
	})
}

func (m *MultiPublisher) PublishTestsRetried(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishTestsRetried(ctx, count)
	})
}

func (m *MultiPublisher) PublishTestsLost(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishTestsLost(ctx, count)
	})
}

func (m *MultiPublisher) PublishStuckBucket(ctx context.Context, reason string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishStuckBucket(ctx, reason)
	})
}

func (m *MultiPublisher) PublishJobDuration(ctx context.Context, durationSeconds int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishJobDuration(ctx, durationSeconds)
	})
}

func (m *MultiPublisher) PublishSchedulingFailure(ctx context.Context, taskType string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishSchedulingFailure(ctx, taskType)
	})
}

func (m *MultiPublisher) PublishServiceCheck(ctx context.Context, name string, status int, message string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishServiceCheck(ctx, name, status, message)
	})
}

func (m *MultiPublisher) PublishEvent(ctx context.Context, title, text, alertType string, tags []string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishEvent(ctx, title, text, alertType, tags)
	})
}
