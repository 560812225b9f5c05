package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// trackingPublisher tracks method calls for testing.
type trackingPublisher struct {
	NoopPublisher
	calls       atomic.Int32
	shouldError bool
}

func (t *trackingPublisher) PublishQueueDepth(_ context.Context, _, _ int) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) PublishJobScheduled(_ context.Context) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) PublishResultAccepted(_ context.Context) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) Close() error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("close error")
	}
	return nil
}

func TestNewMultiPublisher(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}

	multi := NewMultiPublisher(pub1, pub2)
	if multi == nil {
		t.Fatal("NewMultiPublisher() returned nil")
	}

	pubs := multi.Publishers()
	if len(pubs) != 2 {
		t.Errorf("Publishers() = %d, want 2", len(pubs))
	}
}

func TestMultiPublisher_Add(t *testing.T) {
	multi := NewMultiPublisher()
	if len(multi.Publishers()) != 0 {
		t.Errorf("Publishers() = %d, want 0", len(multi.Publishers()))
	}

	pub := &trackingPublisher{}
	multi.Add(pub)

	if len(multi.Publishers()) != 1 {
		t.Errorf("Publishers() after Add = %d, want 1", len(multi.Publishers()))
	}
}

func TestMultiPublisher_Publishers(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)

	pubs := multi.Publishers()
	if len(pubs) != 2 {
		t.Errorf("Publishers() = %d, want 2", len(pubs))
	}
}

func TestMultiPublisher_Close(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)

	err := multi.Close()
	if err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if pub1.calls.Load() != 1 {
		t.Errorf("pub1.Close() calls = %d, want 1", pub1.calls.Load())
	}
	if pub2.calls.Load() != 1 {
		t.Errorf("pub2.Close() calls = %d, want 1", pub2.calls.Load())
	}
}

func TestMultiPublisher_CloseWithErrors(t *testing.T) {
	pub1 := &trackingPublisher{shouldError: true}
	pub2 := &trackingPublisher{shouldError: true}
	multi := NewMultiPublisher(pub1, pub2)

	err := multi.Close()
	if err == nil {
		t.Error("Close() should return error when children fail")
	}
}

//nolint:dupl // Test tables are intentionally similar - testing different publishers
func TestMultiPublisher_PublishMethods(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)
	ctx := context.Background()

	tests := []struct {
		name    string
		publish func() error
	}{
		{"PublishQueueDepth", func() error { return multi.PublishQueueDepth(ctx, 10, 3) }},
		{"PublishAliveWorkers", func() error { return multi.PublishAliveWorkers(ctx, 4) }},
		{"PublishOngoingJobs", func() error { return multi.PublishOngoingJobs(ctx, 2) }},
		{"PublishJobScheduled", func() error { return multi.PublishJobScheduled(ctx) }},
		{"PublishBucketsEnqueued", func() error { return multi.PublishBucketsEnqueued(ctx, 12) }},
		{"PublishDequeueResult", func() error { return multi.PublishDequeueResult(ctx, "dequeued") }},
		{"PublishResultAccepted", func() error { return multi.PublishResultAccepted(ctx) }},
		{"PublishTestsRetried", func() error { return multi.PublishTestsRetried(ctx, 3) }},
		{"PublishTestsLost", func() error { return multi.PublishTestsLost(ctx, 1) }},
		{"PublishStuckBucket", func() error { return multi.PublishStuckBucket(ctx, "silent_worker") }},
		{"PublishJobDuration", func() error { return multi.PublishJobDuration(ctx, 120) }},
		{"PublishSchedulingFailure", func() error { return multi.PublishSchedulingFailure(ctx, "stuck-sweep") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.publish()
			if err != nil {
				t.Errorf("%s() error = %v", tt.name, err)
			}
		})
	}
}

func TestMultiPublisher_PublishWithErrors(t *testing.T) {
	pub1 := &trackingPublisher{shouldError: true}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)

	// Should return error when any publisher fails
	err := multi.PublishQueueDepth(context.Background(), 10, 0)
	if err == nil {
		t.Error("PublishQueueDepth() should return error when a publisher fails")
	}

	// Fan-out must continue to all publishers even when one fails
	if pub2.calls.Load() != 1 {
		t.Errorf("pub2 should still be called when pub1 fails, got %d calls", pub2.calls.Load())
	}
}

func TestMultiPublisher_FanOutsToAll(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)

	_ = multi.PublishJobScheduled(context.Background())

	if pub1.calls.Load() != 1 {
		t.Errorf("pub1 calls = %d, want 1", pub1.calls.Load())
	}
	if pub2.calls.Load() != 1 {
		t.Errorf("pub2 calls = %d, want 1", pub2.calls.Load())
	}
}

func TestMultiPublisher_ImplementsInterface(_ *testing.T) {
	var _ Publisher = (*MultiPublisher)(nil)
}
