// Package aliveness tracks worker heartbeats and the buckets each worker
// reports as being processed.
package aliveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"
)

var alivenessLog = logging.WithComponent(logging.LogTypeAliveness, "tracker")

// Status is the liveness classification of a worker.
type Status string

const (
	// StatusNotRegistered means the worker has never reported.
	StatusNotRegistered Status = "not_registered"
	// StatusDisabled means the worker was explicitly disabled.
	StatusDisabled Status = "disabled"
	// StatusSilent means the worker's last heartbeat is older than the
	// allowed silence.
	StatusSilent Status = "silent"
	// StatusAlive means the worker is in working condition.
	StatusAlive Status = "alive"
)

// WorkerAliveness is a point-in-time view of one worker.
type WorkerAliveness struct {
	Registered    bool        `json:"registered"`
	Disabled      bool        `json:"disabled"`
	Silent        bool        `json:"silent"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
	BucketIDs     []bucket.ID `json:"bucket_ids_being_processed"`

	processing set.Set[bucket.ID]
}

// InWorkingCondition reports whether the worker is registered, enabled and
// not silent.
func (a WorkerAliveness) InWorkingCondition() bool {
	return a.Registered && !a.Disabled && !a.Silent
}

// IsProcessing reports whether the worker lists the bucket as in progress.
func (a WorkerAliveness) IsProcessing(id bucket.ID) bool {
	return a.processing.Has(id)
}

// Status classifies the worker. Disabled takes precedence over silent.
func (a WorkerAliveness) Status() Status {
	switch {
	case !a.Registered:
		return StatusNotRegistered
	case a.Disabled:
		return StatusDisabled
	case a.Silent:
		return StatusSilent
	default:
		return StatusAlive
	}
}

// Config holds tracker settings.
type Config struct {
	// MaxSilence is the heartbeat interval plus a grace period. A worker
	// whose last heartbeat is older than this is silent.
	MaxSilence time.Duration
	// KnownWorkers are expected to report; they show up in snapshots as
	// not registered until they do.
	KnownWorkers []bucket.WorkerID
}

// Tracker is the process-wide worker aliveness registry.
type Tracker struct {
	mu         sync.RWMutex
	clock      clock.PassiveClock
	maxSilence time.Duration

	known      set.Set[bucket.WorkerID]
	heartbeats map[bucket.WorkerID]time.Time
	disabled   set.Set[bucket.WorkerID]
	processing map[bucket.WorkerID]set.Set[bucket.ID]
}

// NewTracker creates a tracker reading time from clk.
func NewTracker(cfg Config, clk clock.PassiveClock) *Tracker {
	return &Tracker{
		clock:      clk,
		maxSilence: cfg.MaxSilence,
		known:      set.New(cfg.KnownWorkers...),
		heartbeats: make(map[bucket.WorkerID]time.Time),
		disabled:   set.New[bucket.WorkerID](),
		processing: make(map[bucket.WorkerID]set.Set[bucket.ID]),
	}
}

// RegisterWorker records the first contact of a worker and marks it alive.
// Registering a disabled worker does not re-enable it.
func (t *Tracker) RegisterWorker(workerID bucket.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known.Insert(workerID)
	if t.disabled.Has(workerID) {
		if _, ok := t.heartbeats[workerID]; !ok {
			t.heartbeats[workerID] = t.clock.Now()
		}
		return
	}
	t.heartbeats[workerID] = t.clock.Now()
}

// MarkAlive refreshes the heartbeat of a worker. No-op while disabled.
func (t *Tracker) MarkAlive(workerID bucket.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markAliveLocked(workerID)
}

func (t *Tracker) markAliveLocked(workerID bucket.WorkerID) {
	if t.disabled.Has(workerID) {
		return
	}
	t.heartbeats[workerID] = t.clock.Now()
}

// SetBucketIDsBeingProcessed replaces the set of buckets the worker reports
// as in progress. The heartbeat timestamp is left untouched.
func (t *Tracker) SetBucketIDsBeingProcessed(workerID bucket.WorkerID, ids []bucket.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processing[workerID] = set.New(ids...)
}

// DidDequeueBucket marks the worker alive and appends the bucket to its
// in-progress set.
func (t *Tracker) DidDequeueBucket(workerID bucket.WorkerID, id bucket.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markAliveLocked(workerID)
	ids, ok := t.processing[workerID]
	if !ok {
		ids = set.New[bucket.ID]()
		t.processing[workerID] = ids
	}
	ids.Insert(id)
}

// DisableWorker stops the worker from being reported alive. Its in-progress
// buckets stay visible.
func (t *Tracker) DisableWorker(workerID bucket.WorkerID) {
	t.mu.Lock()
	t.disabled.Insert(workerID)
	t.mu.Unlock()

	alivenessLog.Warn("worker disabled", slog.String(logging.KeyWorkerID, string(workerID)))
}

// EnableWorker re-enables a worker and restarts its silence window.
func (t *Tracker) EnableWorker(workerID bucket.WorkerID) {
	t.mu.Lock()
	t.disabled.Delete(workerID)
	if _, registered := t.heartbeats[workerID]; registered {
		t.heartbeats[workerID] = t.clock.Now()
	}
	t.mu.Unlock()

	alivenessLog.Info("worker enabled", slog.String(logging.KeyWorkerID, string(workerID)))
}

// Aliveness returns the current view of a single worker.
func (t *Tracker) Aliveness(workerID bucket.WorkerID) WorkerAliveness {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alivenessLocked(workerID, t.clock.Now())
}

// Snapshot returns the aliveness of every known, reporting or disabled
// worker, evaluated at a single instant.
func (t *Tracker) Snapshot() map[bucket.WorkerID]WorkerAliveness {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.known.Union(t.disabled)
	for id := range t.heartbeats {
		ids.Insert(id)
	}

	now := t.clock.Now()
	out := make(map[bucket.WorkerID]WorkerAliveness, ids.Len())
	for id := range ids {
		out[id] = t.alivenessLocked(id, now)
	}
	return out
}

// WorkersInWorkingCondition returns the ids of workers that are registered,
// enabled and not silent, sorted.
func (t *Tracker) WorkersInWorkingCondition() []bucket.WorkerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	alive := set.New[bucket.WorkerID]()
	for id := range t.heartbeats {
		if t.alivenessLocked(id, now).InWorkingCondition() {
			alive.Insert(id)
		}
	}
	return alive.SortedList()
}

func (t *Tracker) alivenessLocked(workerID bucket.WorkerID, now time.Time) WorkerAliveness {
	processing := t.processing[workerID].Clone()
	if processing == nil {
		processing = set.New[bucket.ID]()
	}

	a := WorkerAliveness{
		Disabled:   t.disabled.Has(workerID),
		BucketIDs:  processing.SortedList(),
		processing: processing,
	}

	last, ok := t.heartbeats[workerID]
	if !ok {
		return a
	}
	a.Registered = true
	a.LastHeartbeat = last
	a.Silent = now.Sub(last) > t.maxSilence
	return a
}
