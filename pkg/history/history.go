// Package history records per-test attempt outcomes and decides which failed
// tests are retried.
package history

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Shavakan/runs-queue/pkg/bucket"
)

// ID keys the attempt history of one test entry in one bucket incarnation.
// It is comparable so it can key maps directly.
type ID struct {
	TestEntry     string
	Destination   bucket.TestDestination
	ToolResources bucket.ToolResources
	ArtifactsKey  string
	BucketID      bucket.ID
}

// NewID builds the history key of entry within b.
func NewID(entry bucket.TestEntry, b bucket.Bucket) ID {
	return ID{
		TestEntry:     entry.Key(),
		Destination:   b.Destination,
		ToolResources: b.ToolResources,
		ArtifactsKey:  b.ArtifactsKey(),
		BucketID:      b.ID,
	}
}

// String renders the key as "<bucket id>/<digest>" so that it is usable as a
// storage key of bounded length.
func (id ID) String() string {
	h := sha256.New()
	for _, part := range []string{
		id.TestEntry,
		id.Destination.String(),
		id.ToolResources.String(),
		id.ArtifactsKey,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return string(id.BucketID) + "/" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Item is one recorded attempt.
type Item struct {
	Succeeded bool            `json:"succeeded"`
	WorkerID  bucket.WorkerID `json:"worker_id"`
	Lost      bool            `json:"lost,omitempty"`
}

// History is the ordered list of attempts of one test entry.
type History struct {
	Items []Item `json:"items"`
}

// NumberOfAttempts returns how many attempts were recorded.
func (h History) NumberOfAttempts() int {
	return len(h.Items)
}

// IsFailingOnWorker reports whether the worker has failed the test at least
// once and never passed it. A worker with no attempts is not failing.
func (h History) IsFailingOnWorker(workerID bucket.WorkerID) bool {
	failed := false
	for _, item := range h.Items {
		if item.WorkerID != workerID {
			continue
		}
		if item.Succeeded {
			return false
		}
		failed = true
	}
	return failed
}
