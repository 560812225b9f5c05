package metrics

import (
	"context"
	"testing"
)

func TestNoopPublisher_ImplementsInterface(_ *testing.T) {
	var _ Publisher = NoopPublisher{}
}

func TestNoopPublisher_AllMethodsReturnNil(t *testing.T) {
	pub := NoopPublisher{}
	ctx := context.Background()

	tests := []struct {
		name    string
		publish func() error
	}{
		{"Close", pub.Close},
		{"PublishQueueDepth", func() error { return pub.PublishQueueDepth(ctx, 10, 3) }},
		{"PublishAliveWorkers", func() error { return pub.PublishAliveWorkers(ctx, 4) }},
		{"PublishOngoingJobs", func() error { return pub.PublishOngoingJobs(ctx, 2) }},
		{"PublishJobScheduled", func() error { return pub.PublishJobScheduled(ctx) }},
		{"PublishBucketsEnqueued", func() error { return pub.PublishBucketsEnqueued(ctx, 12) }},
		{"PublishDequeueResult", func() error { return pub.PublishDequeueResult(ctx, "dequeued") }},
		{"PublishResultAccepted", func() error { return pub.PublishResultAccepted(ctx) }},
		{"PublishTestsRetried", func() error { return pub.PublishTestsRetried(ctx, 3) }},
		{"PublishTestsLost", func() error { return pub.PublishTestsLost(ctx, 1) }},
		{"PublishStuckBucket", func() error { return pub.PublishStuckBucket(ctx, "silent_worker") }},
		{"PublishJobDuration", func() error { return pub.PublishJobDuration(ctx, 120) }},
		{"PublishSchedulingFailure", func() error { return pub.PublishSchedulingFailure(ctx, "stuck-sweep") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.publish()
			if err != nil {
				t.Errorf("%s() error = %v, want nil", tt.name, err)
			}
		})
	}
}
