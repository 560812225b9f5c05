// Package bucketqueue holds the buckets of one job: the ones waiting to be
// claimed and the ones claimed by a worker but not yet accepted.
package bucketqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/history"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"k8s.io/utils/clock"
)

var queueLog = logging.WithComponent(logging.LogTypeQueue, "bucket_queue")

// ErrNoDequeuedBucket is returned when a result arrives for a (request id,
// worker id) pair that holds no claim.
var ErrNoDequeuedBucket = errors.New("no dequeued bucket found")

// DefaultCheckAgainLater is the poll hint used when none is configured.
const DefaultCheckAgainLater = 30 * time.Second

// AlivenessProvider is the worker state the queue consults.
type AlivenessProvider interface {
	Aliveness(workerID bucket.WorkerID) aliveness.WorkerAliveness
	WorkersInWorkingCondition() []bucket.WorkerID
	DidDequeueBucket(workerID bucket.WorkerID, id bucket.ID)
}

// Config holds queue settings.
type Config struct {
	// CheckAgainLater is returned to workers that should poll again.
	CheckAgainLater time.Duration
}

// Queue is the bucket queue of a single job. All methods are safe for
// concurrent use.
type Queue struct {
	tracker         *history.Tracker
	aliveness       AlivenessProvider
	clock           clock.PassiveClock
	checkAgainLater time.Duration

	// selecting is held across bucket selection and claim. It is always
	// taken before mu.
	selecting sync.Mutex

	mu       sync.Mutex
	enqueued []bucket.EnqueuedBucket
	dequeued []bucket.DequeuedBucket
	// settling holds released claims whose history work is in flight. They
	// still count as dequeued.
	settling []bucket.DequeuedBucket
}

// New creates an empty queue.
func New(cfg Config, tracker *history.Tracker, alive AlivenessProvider, clk clock.PassiveClock) *Queue {
	checkAgainLater := cfg.CheckAgainLater
	if checkAgainLater <= 0 {
		checkAgainLater = DefaultCheckAgainLater
	}
	return &Queue{
		tracker:         tracker,
		aliveness:       alive,
		clock:           clk,
		checkAgainLater: checkAgainLater,
	}
}

// Enqueue appends buckets in order. Callers must not enqueue a bucket id
// that is still live in this queue.
func (q *Queue) Enqueue(buckets ...bucket.Bucket) {
	if len(buckets) == 0 {
		return
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range buckets {
		q.enqueued = append(q.enqueued, bucket.NewEnqueuedBucket(b, now))
	}
}

// Dequeue claims a bucket for workerID among the buckets its capabilities
// allow. Repeating a request id returns the bucket already claimed under it.
// Concurrent calls are served one at a time, so checkAgainLater is only
// returned when no waiting bucket fits the worker.
func (q *Queue) Dequeue(ctx context.Context, requestID bucket.RequestID, workerID bucket.WorkerID, caps []bucket.Capability) (bucket.DequeueResult, error) {
	a := q.aliveness.Aliveness(workerID)
	switch {
	case !a.Registered:
		return bucket.WorkerIsNotRegistered(), nil
	case a.Disabled:
		return bucket.CheckAgainLater(q.checkAgainLater), nil
	case a.Silent:
		return bucket.WorkerIsNotRegistered(), nil
	}

	q.selecting.Lock()
	defer q.selecting.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return bucket.DequeueResult{}, err
		}

		q.mu.Lock()
		if prev, ok := q.findDequeuedLocked(requestID, workerID); ok {
			q.mu.Unlock()
			return bucket.Dequeued(prev), nil
		}
		if len(q.enqueued) == 0 {
			empty := len(q.dequeued) == 0 && len(q.settling) == 0
			q.mu.Unlock()
			if empty {
				return bucket.QueueIsEmpty(), nil
			}
			return bucket.CheckAgainLater(q.checkAgainLater), nil
		}
		candidates := make([]bucket.EnqueuedBucket, 0, len(q.enqueued))
		for _, e := range q.enqueued {
			if e.Bucket.RunnableOn(caps) {
				candidates = append(candidates, e)
			}
		}
		q.mu.Unlock()

		if len(candidates) == 0 {
			queueLog.Debug("worker capabilities meet no waiting bucket",
				slog.String(logging.KeyWorkerID, string(workerID)),
				slog.Int(logging.KeyCount, len(caps)),
			)
			return bucket.CheckAgainLater(q.checkAgainLater), nil
		}

		buckets := make([]bucket.Bucket, len(candidates))
		for i, c := range candidates {
			buckets[i] = c.Bucket
		}
		idx, err := q.tracker.BucketToDequeue(ctx, workerID, buckets, q.aliveness.WorkersInWorkingCondition)
		if err != nil {
			return bucket.DequeueResult{}, fmt.Errorf("failed to select bucket: %w", err)
		}
		if idx < 0 {
			return bucket.CheckAgainLater(q.checkAgainLater), nil
		}

		// A claim only fails when the waiting buckets were removed during
		// selection; select again from what is left.
		if dq, ok := q.claim(candidates[idx].UniqueID, requestID, workerID); ok {
			return bucket.Dequeued(dq), nil
		}
	}
}

// claim moves the enqueued bucket with uniqueID into the dequeued set. It
// fails when the bucket is no longer waiting.
func (q *Queue) claim(uniqueID string, requestID bucket.RequestID, workerID bucket.WorkerID) (bucket.DequeuedBucket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.findDequeuedLocked(requestID, workerID); ok {
		return prev, true
	}
	idx := slices.IndexFunc(q.enqueued, func(e bucket.EnqueuedBucket) bool {
		return e.UniqueID == uniqueID
	})
	if idx < 0 {
		return bucket.DequeuedBucket{}, false
	}

	dq := bucket.DequeuedBucket{
		EnqueuedBucket: q.enqueued[idx],
		WorkerID:       workerID,
		RequestID:      requestID,
	}
	q.enqueued = slices.Delete(q.enqueued, idx, idx+1)
	q.dequeued = append(q.dequeued, dq)
	q.aliveness.DidDequeueBucket(workerID, dq.Bucket.ID)
	return dq, true
}

// PreviouslyDequeued returns the bucket claimed under (requestID, workerID),
// if any.
func (q *Queue) PreviouslyDequeued(requestID bucket.RequestID, workerID bucket.WorkerID) (bucket.DequeuedBucket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findDequeuedLocked(requestID, workerID)
}

func (q *Queue) findDequeuedLocked(requestID bucket.RequestID, workerID bucket.WorkerID) (bucket.DequeuedBucket, bool) {
	for _, dq := range q.dequeued {
		if dq.RequestID == requestID && dq.WorkerID == workerID {
			return dq, true
		}
	}
	return bucket.DequeuedBucket{}, false
}

// Accept releases the claim of (requestID, workerID), records the result in
// history and enqueues any retry bucket. On a history failure the claim is
// restored and the error returned.
func (q *Queue) Accept(ctx context.Context, result bucket.TestingResult, requestID bucket.RequestID, workerID bucket.WorkerID) (history.AcceptResult, error) {
	dq, err := q.release(requestID, workerID)
	if err != nil {
		return history.AcceptResult{}, err
	}

	accepted, err := q.tracker.Accept(ctx, result, dq.Bucket, workerID)
	if err != nil {
		q.settle(dq.UniqueID, &dq)
		return history.AcceptResult{}, fmt.Errorf("failed to accept result of bucket %s: %w", dq.Bucket.ID, err)
	}

	q.settle(dq.UniqueID, nil, accepted.BucketsToReenqueue...)
	return accepted, nil
}

// release moves the claim of (requestID, workerID) to the settling set.
func (q *Queue) release(requestID bucket.RequestID, workerID bucket.WorkerID) (bucket.DequeuedBucket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := slices.IndexFunc(q.dequeued, func(dq bucket.DequeuedBucket) bool {
		return dq.RequestID == requestID && dq.WorkerID == workerID
	})
	if idx < 0 {
		return bucket.DequeuedBucket{}, fmt.Errorf("%w: request %s, worker %s", ErrNoDequeuedBucket, requestID, workerID)
	}
	dq := q.dequeued[idx]
	q.dequeued = slices.Delete(q.dequeued, idx, idx+1)
	q.settling = append(q.settling, dq)
	return dq, nil
}

// settle removes a settling claim and, under the same lock, either restores
// it or enqueues its follow-up buckets.
func (q *Queue) settle(uniqueID string, restore *bucket.DequeuedBucket, buckets ...bucket.Bucket) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.settling = slices.DeleteFunc(q.settling, func(dq bucket.DequeuedBucket) bool {
		return dq.UniqueID == uniqueID
	})
	if restore != nil {
		q.dequeued = append(q.dequeued, *restore)
	}
	for _, b := range buckets {
		q.enqueued = append(q.enqueued, bucket.NewEnqueuedBucket(b, now))
	}
}

// ReenqueueStuckBuckets reclaims dequeued buckets whose worker went silent
// or no longer reports them, and enqueues each under a new bucket id with
// its history carried over. Buckets of disabled workers are left alone.
func (q *Queue) ReenqueueStuckBuckets(ctx context.Context) []bucket.StuckBucket {
	q.mu.Lock()
	var stuck []bucket.StuckBucket
	var claims []bucket.DequeuedBucket
	kept := q.dequeued[:0]
	for _, dq := range q.dequeued {
		reason, isStuck := q.stuckReason(dq)
		if !isStuck {
			kept = append(kept, dq)
			continue
		}
		claims = append(claims, dq)
		stuck = append(stuck, bucket.StuckBucket{
			Reason:    reason,
			Bucket:    dq.Bucket,
			WorkerID:  dq.WorkerID,
			RequestID: dq.RequestID,
		})
	}
	clear(q.dequeued[len(kept):])
	q.dequeued = kept
	q.settling = append(q.settling, claims...)
	q.mu.Unlock()

	for i, s := range stuck {
		replacement := s.Bucket.WithNewID()
		if err := q.tracker.MigrateBucket(ctx, s.Bucket, replacement); err != nil {
			queueLog.Error("failed to migrate history of stuck bucket",
				slog.String(logging.KeyBucketID, string(s.Bucket.ID)),
				slog.String(logging.KeyNewBucket, string(replacement.ID)),
				slog.String(logging.KeyError, err.Error()),
			)
		}
		queueLog.Warn("reenqueueing stuck bucket",
			slog.String(logging.KeyBucketID, string(s.Bucket.ID)),
			slog.String(logging.KeyNewBucket, string(replacement.ID)),
			slog.String(logging.KeyWorkerID, string(s.WorkerID)),
			slog.String(logging.KeyReason, string(s.Reason)),
		)
		q.settle(claims[i].UniqueID, nil, replacement)
	}
	return stuck
}

func (q *Queue) stuckReason(dq bucket.DequeuedBucket) (bucket.StuckReason, bool) {
	a := q.aliveness.Aliveness(dq.WorkerID)
	switch {
	case a.InWorkingCondition() && a.IsProcessing(dq.Bucket.ID):
		return "", false
	case a.InWorkingCondition():
		return bucket.StuckBucketLost, true
	case a.Registered && a.Silent && !a.Disabled:
		return bucket.StuckWorkerIsSilent, true
	default:
		return "", false
	}
}

// RemoveAllEnqueued drops every waiting bucket and returns them. Claimed
// buckets are kept so their results can still be accepted.
func (q *Queue) RemoveAllEnqueued() []bucket.Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := make([]bucket.Bucket, 0, len(q.enqueued))
	for _, e := range q.enqueued {
		removed = append(removed, e.Bucket)
	}
	q.enqueued = nil
	return removed
}

// RunningQueueState returns a consistent snapshot of the queue.
func (q *Queue) RunningQueueState() RunningQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := RunningQueueState{
		EnqueuedBucketCount: len(q.enqueued),
		DequeuedBucketCount: len(q.dequeued) + len(q.settling),
		EnqueuedTests:       []bucket.TestName{},
		DequeuedTests:       make(map[bucket.WorkerID][]bucket.TestName),
	}
	for _, e := range q.enqueued {
		state.EnqueuedTests = append(state.EnqueuedTests, e.Bucket.TestNames()...)
	}
	for _, dq := range slices.Concat(q.dequeued, q.settling) {
		state.DequeuedTests[dq.WorkerID] = append(state.DequeuedTests[dq.WorkerID], dq.Bucket.TestNames()...)
	}
	return state
}

// RunningQueueState summarizes the buckets of a queue.
type RunningQueueState struct {
	EnqueuedBucketCount int                                   `json:"enqueued_bucket_count"`
	DequeuedBucketCount int                                   `json:"dequeued_bucket_count"`
	EnqueuedTests       []bucket.TestName                     `json:"enqueued_tests"`
	DequeuedTests       map[bucket.WorkerID][]bucket.TestName `json:"dequeued_tests"`
}

// IsDepleted reports whether nothing is waiting or claimed.
func (s RunningQueueState) IsDepleted() bool {
	return s.EnqueuedBucketCount == 0 && s.DequeuedBucketCount == 0
}
