package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"k8s.io/utils/clock"
)

var historyLog = logging.WithComponent(logging.LogTypeHistory, "tracker")

// AcceptResult is the outcome of accepting one testing result.
type AcceptResult struct {
	// BucketsToReenqueue holds at most one bucket carrying every entry that
	// is retried.
	BucketsToReenqueue []bucket.Bucket
	// TestingResult holds the entries that reached a final verdict.
	TestingResult bucket.TestingResult
	// RetriedCount is the number of entries scheduled for another attempt.
	RetriedCount int
	// LostCount is the number of expected entries missing from the result.
	LostCount int
}

// Tracker decides retries from the attempt history of each test entry.
type Tracker struct {
	storage       Storage
	attemptsToRun int
	clock         clock.PassiveClock
}

// NewTracker creates a tracker allowing numberOfRetries retries per test
// entry on top of the first attempt.
func NewTracker(numberOfRetries uint, storage Storage, clk clock.PassiveClock) *Tracker {
	return &Tracker{
		storage:       storage,
		attemptsToRun: int(numberOfRetries) + 1,
		clock:         clk,
	}
}

// Accept records one attempt per entry of b and splits the result into
// final verdicts and a retry bucket. Entries of b missing from result are
// recorded as lost failures. Entries of result that b does not contain are
// dropped. Every decision is made before anything is written, and the
// attempts and migrations are stored as one batch, so a failed Accept leaves
// history untouched and can be repeated.
func (t *Tracker) Accept(ctx context.Context, result bucket.TestingResult, b bucket.Bucket, workerID bucket.WorkerID) (AcceptResult, error) {
	results, lost := t.reconcile(result, b, workerID)

	var changes Changes
	var final []bucket.TestEntryResult
	var retry []bucket.TestEntry
	for _, r := range results {
		id := NewID(r.TestEntry, b)
		h, err := t.storage.History(ctx, id)
		if err != nil {
			return AcceptResult{}, err
		}
		changes.Attempts = append(changes.Attempts, Attempt{
			ID: id,
			Item: Item{
				Succeeded: r.Succeeded(),
				WorkerID:  workerID,
				Lost:      r.Lost,
			},
		})

		if !r.Succeeded() && h.NumberOfAttempts()+1 < t.attemptsToRun {
			retry = append(retry, r.TestEntry)
			continue
		}
		final = append(final, r)
	}

	var retryBucket bucket.Bucket
	if len(retry) > 0 {
		retryBucket = b.WithTestEntries(retry)
		for _, entry := range retry {
			changes.Migrations = append(changes.Migrations, Migration{
				From: NewID(entry, b),
				To:   NewID(entry, retryBucket),
			})
		}
	}
	if err := t.storage.Apply(ctx, changes); err != nil {
		return AcceptResult{}, fmt.Errorf("failed to record attempts of bucket %s: %w", b.ID, err)
	}

	accepted := AcceptResult{
		TestingResult: bucket.TestingResult{
			BucketID:    b.ID,
			Destination: b.Destination,
			Results:     final,
		},
		RetriedCount: len(retry),
		LostCount:    lost,
	}
	if len(retry) == 0 {
		return accepted, nil
	}
	accepted.BucketsToReenqueue = []bucket.Bucket{retryBucket}

	historyLog.Debug("test entries scheduled for retry",
		slog.String(logging.KeyBucketID, string(b.ID)),
		slog.String(logging.KeyNewBucket, string(retryBucket.ID)),
		slog.Int(logging.KeyCount, len(retry)),
	)
	return accepted, nil
}

// reconcile aligns result with the distinct entries of b, in bucket order.
// Missing entries become lost results.
func (t *Tracker) reconcile(result bucket.TestingResult, b bucket.Bucket, workerID bucket.WorkerID) ([]bucket.TestEntryResult, int) {
	expected := distinctEntries(b.TestEntries())
	byKey := make(map[string]bucket.TestEntryResult, len(result.Results))
	wanted := make(map[string]struct{}, len(expected))
	for _, e := range expected {
		wanted[e.Key()] = struct{}{}
	}

	for _, r := range result.Results {
		key := r.TestEntry.Key()
		if _, ok := wanted[key]; !ok {
			historyLog.Warn("dropping result for entry not in bucket",
				slog.String(logging.KeyBucketID, string(b.ID)),
				slog.String(logging.KeyWorkerID, string(workerID)),
				slog.String(logging.KeyTestName, key),
			)
			continue
		}
		if prev, ok := byKey[key]; ok {
			prev.RunResults = append(prev.RunResults, r.RunResults...)
			prev.Lost = prev.Lost && r.Lost
			byKey[key] = prev
			continue
		}
		byKey[key] = r
	}

	now := t.clock.Now()
	lost := 0
	out := make([]bucket.TestEntryResult, 0, len(expected))
	for _, e := range expected {
		r, ok := byKey[e.Key()]
		if !ok {
			r = bucket.LostResult(e, now)
			lost++
		}
		r.TestEntry = e
		out = append(out, r)
	}
	return out, lost
}

// distinctEntries drops repeated entry keys, keeping the first occurrence.
func distinctEntries(entries []bucket.TestEntry) []bucket.TestEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]bucket.TestEntry, 0, len(entries))
	for _, e := range entries {
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		out = append(out, e)
	}
	return out
}

// BucketToDequeue picks the index in queue of the bucket workerID should run
// next, or -1 when none fits. The first bucket not failing on the worker
// wins. Failing that, the first bucket failing on every worker returned by
// aliveWorkers is taken so it does not wait forever.
func (t *Tracker) BucketToDequeue(ctx context.Context, workerID bucket.WorkerID, queue []bucket.Bucket, aliveWorkers func() []bucket.WorkerID) (int, error) {
	for i, b := range queue {
		failing, err := t.bucketIsFailing(ctx, b, func(h History) bool {
			return h.IsFailingOnWorker(workerID)
		})
		if err != nil {
			return -1, err
		}
		if !failing {
			return i, nil
		}
	}

	workers := aliveWorkers()
	for i, b := range queue {
		failing, err := t.bucketIsFailing(ctx, b, func(h History) bool {
			for _, w := range workers {
				if !h.IsFailingOnWorker(w) {
					return false
				}
			}
			return true
		})
		if err != nil {
			return -1, err
		}
		if failing {
			return i, nil
		}
	}
	return -1, nil
}

func (t *Tracker) bucketIsFailing(ctx context.Context, b bucket.Bucket, failing func(History) bool) (bool, error) {
	for _, entry := range b.TestEntries() {
		h, err := t.storage.History(ctx, NewID(entry, b))
		if err != nil {
			return false, err
		}
		if failing(h) {
			return true, nil
		}
	}
	return false, nil
}

// MigrateBucket carries the history of every entry of from over to to in
// one batch.
func (t *Tracker) MigrateBucket(ctx context.Context, from, to bucket.Bucket) error {
	var changes Changes
	for _, entry := range distinctEntries(from.TestEntries()) {
		changes.Migrations = append(changes.Migrations, Migration{
			From: NewID(entry, from),
			To:   NewID(entry, to),
		})
	}
	if err := t.storage.Apply(ctx, changes); err != nil {
		return fmt.Errorf("failed to migrate history of bucket %s: %w", from.ID, err)
	}
	return nil
}

// History returns the recorded attempts of entry within b.
func (t *Tracker) History(ctx context.Context, entry bucket.TestEntry, b bucket.Bucket) (History, error) {
	return t.storage.History(ctx, NewID(entry, b))
}
