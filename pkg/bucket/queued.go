package bucket

import (
	"time"

	"github.com/google/uuid"
)

// EnqueuedBucket is a bucket waiting in a queue.
type EnqueuedBucket struct {
	Bucket     Bucket    `json:"bucket"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UniqueID   string    `json:"unique_id"`
}

// NewEnqueuedBucket wraps a bucket with its enqueue time and a process-unique id.
func NewEnqueuedBucket(b Bucket, at time.Time) EnqueuedBucket {
	return EnqueuedBucket{
		Bucket:     b,
		EnqueuedAt: at,
		UniqueID:   uuid.New().String(),
	}
}

// DequeuedBucket is a bucket claimed by a worker and awaiting its result.
type DequeuedBucket struct {
	EnqueuedBucket
	WorkerID  WorkerID  `json:"worker_id"`
	RequestID RequestID `json:"request_id"`
}

// StuckReason explains why a dequeued bucket was reclaimed.
type StuckReason string

const (
	// StuckWorkerIsSilent means the owning worker stopped sending heartbeats.
	StuckWorkerIsSilent StuckReason = "worker_is_silent"
	// StuckBucketLost means the owning worker is alive but no longer reports
	// the bucket as being processed.
	StuckBucketLost StuckReason = "bucket_lost"
)

// StuckBucket is a reclaimed bucket together with the reason it was reclaimed.
type StuckBucket struct {
	Reason    StuckReason `json:"reason"`
	Bucket    Bucket      `json:"bucket"`
	WorkerID  WorkerID    `json:"worker_id"`
	RequestID RequestID   `json:"request_id"`
}

// DequeueResultKind tags the variants of DequeueResult.
type DequeueResultKind string

const (
	DequeueQueueIsEmpty          DequeueResultKind = "queue_is_empty"
	DequeueCheckAgainLater       DequeueResultKind = "check_again_later"
	DequeueDequeuedBucket        DequeueResultKind = "dequeued"
	DequeueWorkerIsNotRegistered DequeueResultKind = "worker_is_not_registered"
)

// DequeueResult is a tagged union: CheckAfter is set only for
// DequeueCheckAgainLater and Bucket only for DequeueDequeuedBucket.
// Construct values with the functions below.
type DequeueResult struct {
	Kind       DequeueResultKind `json:"kind"`
	CheckAfter time.Duration     `json:"-"`
	Bucket     *DequeuedBucket   `json:"bucket,omitempty"`
}

// QueueIsEmpty reports that there is nothing left to run.
func QueueIsEmpty() DequeueResult {
	return DequeueResult{Kind: DequeueQueueIsEmpty}
}

// CheckAgainLater asks the worker to poll again after d.
func CheckAgainLater(d time.Duration) DequeueResult {
	return DequeueResult{Kind: DequeueCheckAgainLater, CheckAfter: d}
}

// Dequeued hands a bucket to a worker.
func Dequeued(b DequeuedBucket) DequeueResult {
	return DequeueResult{Kind: DequeueDequeuedBucket, Bucket: &b}
}

// WorkerIsNotRegistered tells the worker to register before dequeueing.
func WorkerIsNotRegistered() DequeueResult {
	return DequeueResult{Kind: DequeueWorkerIsNotRegistered}
}
