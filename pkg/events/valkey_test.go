package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupEmitter(t *testing.T, maxLen int64) (*ValkeyEmitter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	e := NewValkeyEmitterWithClient(client, "", maxLen)
	t.Cleanup(func() { _ = e.Close() })
	return e, mr
}

func TestNoopEmitter(t *testing.T) {
	var e Emitter = NoopEmitter{}
	if err := e.Emit(context.Background(), Event{Type: JobScheduled}); err != nil {
		t.Errorf("Emit() error = %v", err)
	}
	got, err := e.Latest(context.Background(), 10)
	if err != nil || got != nil {
		t.Errorf("Latest() = %v, %v, want nil, nil", got, err)
	}
}

func TestValkeyEmitter_EmitAndLatest(t *testing.T) {
	e, _ := setupEmitter(t, 0)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	emitted := []Event{
		{Type: JobScheduled, JobID: "job-1", GroupID: "nightly", Count: 3, Timestamp: at},
		{Type: BucketDequeued, JobID: "job-1", BucketID: "b-1", WorkerID: "w1", Timestamp: at},
		{Type: BucketStuck, JobID: "job-1", BucketID: "b-1", WorkerID: "w1", Reason: "worker_is_silent", Timestamp: at},
	}
	for _, ev := range emitted {
		if err := e.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}

	got, err := e.Latest(ctx, 2)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Latest() returned %d events, want 2", len(got))
	}
	if got[0].Type != BucketStuck || got[1].Type != BucketDequeued {
		t.Errorf("Latest() types = [%s %s], want newest first", got[0].Type, got[1].Type)
	}
	if got[0].Reason != "worker_is_silent" || got[0].ID == "" {
		t.Errorf("Latest()[0] = %+v, want reason and stream id", got[0])
	}
	if !got[1].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got[1].Timestamp, at)
	}
}

func TestValkeyEmitter_DefaultStream(t *testing.T) {
	e, mr := setupEmitter(t, 0)
	if err := e.Emit(context.Background(), Event{Type: JobDeleted, JobID: "job-1"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if !mr.Exists(defaultStream) {
		t.Errorf("stream %q not created", defaultStream)
	}
	if e.maxLen != defaultMaxLen {
		t.Errorf("maxLen = %d, want %d", e.maxLen, defaultMaxLen)
	}
}

func TestValkeyEmitter_LatestSkipsForeignEntries(t *testing.T) {
	e, _ := setupEmitter(t, 0)
	ctx := context.Background()

	if err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]interface{}{"data": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	if err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]interface{}{"other": "field"},
	}).Err(); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	if err := e.Emit(ctx, Event{Type: ResultAccepted, JobID: "job-1"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	got, err := e.Latest(ctx, 10)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(got) != 1 || got[0].Type != ResultAccepted {
		t.Errorf("Latest() = %+v, want only the result_accepted event", got)
	}
}

func TestValkeyEmitter_EmptyStream(t *testing.T) {
	e, _ := setupEmitter(t, 0)
	got, err := e.Latest(context.Background(), 5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Latest() = %d events, want 0", len(got))
	}
}

func TestNewValkeyEmitter_ConnectionFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := NewValkeyEmitter(context.Background(), ValkeyConfig{Addr: addr}); err == nil {
		t.Error("NewValkeyEmitter() expected error for closed server")
	}
}
