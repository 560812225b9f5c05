// Package balancing spreads workers over the bucket queues of all running
// jobs, honoring job group and job priority.
package balancing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/bucketqueue"
	"github.com/Shavakan/runs-queue/pkg/events"
	"github.com/Shavakan/runs-queue/pkg/history"
	"github.com/Shavakan/runs-queue/pkg/job"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"github.com/Shavakan/runs-queue/pkg/metrics"
	"github.com/Shavakan/runs-queue/pkg/tracing"
	"k8s.io/utils/clock"
)

var balancingLog = logging.WithComponent(logging.LogTypeBalancing, "queue")

var (
	// ErrNoQueueForJob is returned when no job queue matches a job id or a
	// dequeued bucket.
	ErrNoQueueForJob = errors.New("no queue for job found")
	// ErrJobDeleted is returned when buckets are scheduled for a deleted job.
	ErrJobDeleted = errors.New("job is deleted")
)

// JobStatus is the lifecycle state of a job queue.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDeleted JobStatus = "deleted"
)

// JobQueue is the bucket queue of one job together with its results.
type JobQueue struct {
	Job         job.Job
	Group       job.Group
	Queue       *bucketqueue.Queue
	Results     *ResultsCollector
	ScheduledAt time.Time
}

// JobState describes one job queue.
type JobState struct {
	JobID      job.ID                        `json:"job_id"`
	GroupID    job.GroupID                   `json:"group_id"`
	Status     JobStatus                     `json:"status"`
	QueueState bucketqueue.RunningQueueState `json:"queue_state"`
}

// Totals sums the running job queues.
type Totals struct {
	EnqueuedBuckets int
	DequeuedBuckets int
	OngoingJobs     int
}

// Config holds settings shared by all job queues.
type Config struct {
	CheckAgainLater time.Duration
}

// Deps holds the collaborators of the queue. Aliveness is required; other nil
// fields get defaults.
type Deps struct {
	Storage     history.Storage
	Aliveness   bucketqueue.AlivenessProvider
	Permissions PermissionProvider
	Metrics     metrics.Publisher
	Events      events.Emitter
	Tracer      *tracing.QueueTracer
	Clock       clock.PassiveClock
}

// Queue is the multi-job queue workers dequeue from. All methods are safe for
// concurrent use.
type Queue struct {
	cfg         Config
	storage     history.Storage
	aliveness   bucketqueue.AlivenessProvider
	permissions PermissionProvider
	metrics     metrics.Publisher
	events      events.Emitter
	tracer      *tracing.QueueTracer
	clock       clock.PassiveClock

	mu sync.RWMutex
	// running is kept in execution order.
	running []*JobQueue
	deleted []*JobQueue
	groups  map[job.GroupID]job.Group
}

// New creates an empty balancing queue.
func New(cfg Config, deps Deps) *Queue {
	if cfg.CheckAgainLater <= 0 {
		cfg.CheckAgainLater = bucketqueue.DefaultCheckAgainLater
	}
	q := &Queue{
		cfg:         cfg,
		storage:     deps.Storage,
		aliveness:   deps.Aliveness,
		permissions: deps.Permissions,
		metrics:     deps.Metrics,
		events:      deps.Events,
		tracer:      deps.Tracer,
		clock:       deps.Clock,
		groups:      make(map[job.GroupID]job.Group),
	}
	if q.storage == nil {
		q.storage = history.NewMemoryStorage()
	}
	if q.permissions == nil {
		q.permissions = AllowAll{}
	}
	if q.metrics == nil {
		q.metrics = metrics.NoopPublisher{}
	}
	if q.events == nil {
		q.events = events.NoopEmitter{}
	}
	if q.tracer == nil {
		q.tracer = tracing.NewQueueTracer()
	}
	if q.clock == nil {
		q.clock = clock.RealClock{}
	}
	return q
}

// Enqueue adds buckets to the queue of j, creating the job queue and its
// group on first use. The first priority seen for a group wins.
func (q *Queue) Enqueue(ctx context.Context, j job.Job, g job.Group, buckets []bucket.Bucket) error {
	now := q.clock.Now()

	q.mu.Lock()
	if slices.ContainsFunc(q.deleted, func(jq *JobQueue) bool { return jq.Job.ID == j.ID }) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobDeleted, j.ID)
	}
	jq, created := q.runningLocked(j.ID), false
	if jq == nil {
		jq = q.createLocked(j, g, now)
		created = true
	}
	q.mu.Unlock()

	jq.Queue.Enqueue(buckets...)

	if created {
		q.publish(ctx, "job_scheduled", func(p metrics.Publisher) error { return p.PublishJobScheduled(ctx) })
	}
	q.publish(ctx, "buckets_enqueued", func(p metrics.Publisher) error { return p.PublishBucketsEnqueued(ctx, len(buckets)) })
	q.emit(ctx, events.Event{
		Type:      events.JobScheduled,
		JobID:     string(jq.Job.ID),
		GroupID:   string(jq.Group.ID),
		Count:     len(buckets),
		Timestamp: now,
	})
	balancingLog.Info("buckets enqueued",
		slog.String(logging.KeyJobID, string(j.ID)),
		slog.String(logging.KeyGroupID, string(jq.Group.ID)),
		slog.Int(logging.KeyCount, len(buckets)),
	)
	return nil
}

func (q *Queue) createLocked(j job.Job, g job.Group, now time.Time) *JobQueue {
	group, ok := q.groups[g.ID]
	if !ok {
		group = g
		if group.CreatedAt.IsZero() {
			group.CreatedAt = now
		}
		q.groups[g.ID] = group
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}

	tracker := history.NewTracker(j.NumberOfRetries, q.storage, q.clock)
	jq := &JobQueue{
		Job:         j,
		Group:       group,
		Queue:       bucketqueue.New(bucketqueue.Config{CheckAgainLater: q.cfg.CheckAgainLater}, tracker, q.aliveness, q.clock),
		Results:     NewResultsCollector(),
		ScheduledAt: now,
	}
	q.running = append(q.running, jq)
	slices.SortStableFunc(q.running, compareExecutionOrder)
	return jq
}

func compareExecutionOrder(a, b *JobQueue) int {
	if o := a.Group.ExecutionOrder(b.Group); o != job.Equal {
		return int(o)
	}
	return int(a.Job.ExecutionOrder(b.Job))
}

// Dequeue hands workerID a bucket from the highest priority job it may serve
// and whose requirements caps meet. A repeated request id returns the bucket
// already claimed under it.
func (q *Queue) Dequeue(ctx context.Context, requestID bucket.RequestID, workerID bucket.WorkerID, caps []bucket.Capability) (bucket.DequeueResult, error) {
	ctx, span := q.tracer.StartDequeueSpan(ctx, string(workerID), string(requestID))
	defer span.End()

	res, jq, err := q.dequeue(ctx, requestID, workerID, caps)
	if err != nil {
		tracing.RecordError(ctx, err)
		return bucket.DequeueResult{}, err
	}

	q.publish(ctx, "dequeue_result", func(p metrics.Publisher) error { return p.PublishDequeueResult(ctx, string(res.Kind)) })
	if res.Kind == bucket.DequeueDequeuedBucket {
		q.emit(ctx, events.Event{
			Type:      events.BucketDequeued,
			JobID:     string(jq.Job.ID),
			BucketID:  string(res.Bucket.Bucket.ID),
			WorkerID:  string(workerID),
			Timestamp: q.clock.Now(),
		})
	}
	return res, nil
}

func (q *Queue) dequeue(ctx context.Context, requestID bucket.RequestID, workerID bucket.WorkerID, caps []bucket.Capability) (bucket.DequeueResult, *JobQueue, error) {
	a := q.aliveness.Aliveness(workerID)
	switch {
	case !a.Registered, a.Silent && !a.Disabled:
		return bucket.WorkerIsNotRegistered(), nil, nil
	case a.Disabled:
		return bucket.CheckAgainLater(q.cfg.CheckAgainLater), nil, nil
	}

	all := q.runningSnapshot()
	for _, jq := range all {
		if prev, ok := jq.Queue.PreviouslyDequeued(requestID, workerID); ok {
			return bucket.Dequeued(prev), jq, nil
		}
	}

	var wait time.Duration
	waiting := false
	for _, jq := range all {
		if !q.permissions.IsAllowed(workerID, jq.Job.ID, jq.Group.ID) {
			continue
		}
		res, err := jq.Queue.Dequeue(ctx, requestID, workerID, caps)
		if err != nil {
			return bucket.DequeueResult{}, nil, fmt.Errorf("failed to dequeue from job %s: %w", jq.Job.ID, err)
		}
		switch res.Kind {
		case bucket.DequeueDequeuedBucket:
			return res, jq, nil
		case bucket.DequeueWorkerIsNotRegistered:
			return res, nil, nil
		case bucket.DequeueCheckAgainLater:
			if !waiting || res.CheckAfter < wait {
				wait = res.CheckAfter
			}
			waiting = true
		case bucket.DequeueQueueIsEmpty:
		}
	}
	if waiting {
		return bucket.CheckAgainLater(wait), nil, nil
	}
	return bucket.QueueIsEmpty(), nil, nil
}

// Accept routes a testing result to the job queue holding the claim of
// (requestID, workerID) and collects the final verdicts. Retry buckets of a
// deleted job are discarded.
func (q *Queue) Accept(ctx context.Context, result bucket.TestingResult, requestID bucket.RequestID, workerID bucket.WorkerID) (history.AcceptResult, error) {
	ctx, span := q.tracer.StartAcceptSpan(ctx, string(workerID), string(requestID), string(result.BucketID))
	defer span.End()

	jq, deleted := q.owner(requestID, workerID)
	if jq == nil {
		err := fmt.Errorf("%w: %w: request %s, worker %s", ErrNoQueueForJob, bucketqueue.ErrNoDequeuedBucket, requestID, workerID)
		tracing.RecordError(ctx, err)
		return history.AcceptResult{}, err
	}

	accepted, err := jq.Queue.Accept(ctx, result, requestID, workerID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return history.AcceptResult{}, err
	}
	jq.Results.Append(accepted.TestingResult)
	if deleted || q.isDeleted(jq) {
		jq.Queue.RemoveAllEnqueued()
	}

	q.publish(ctx, "result_accepted", func(p metrics.Publisher) error { return p.PublishResultAccepted(ctx) })
	if accepted.RetriedCount > 0 {
		q.publish(ctx, "tests_retried", func(p metrics.Publisher) error { return p.PublishTestsRetried(ctx, accepted.RetriedCount) })
	}
	if accepted.LostCount > 0 {
		q.publish(ctx, "tests_lost", func(p metrics.Publisher) error { return p.PublishTestsLost(ctx, accepted.LostCount) })
	}
	q.emit(ctx, events.Event{
		Type:      events.ResultAccepted,
		JobID:     string(jq.Job.ID),
		BucketID:  string(result.BucketID),
		WorkerID:  string(workerID),
		Count:     len(accepted.TestingResult.Results),
		Timestamp: q.clock.Now(),
	})
	return accepted, nil
}

func (q *Queue) owner(requestID bucket.RequestID, workerID bucket.WorkerID) (*JobQueue, bool) {
	q.mu.RLock()
	running := slices.Clone(q.running)
	deleted := slices.Clone(q.deleted)
	q.mu.RUnlock()

	for _, jq := range running {
		if _, ok := jq.Queue.PreviouslyDequeued(requestID, workerID); ok {
			return jq, false
		}
	}
	for _, jq := range deleted {
		if _, ok := jq.Queue.PreviouslyDequeued(requestID, workerID); ok {
			return jq, true
		}
	}
	return nil, false
}

func (q *Queue) isDeleted(jq *JobQueue) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Contains(q.deleted, jq)
}

// Delete stops a job: its waiting buckets are dropped while claimed buckets
// may still report results.
func (q *Queue) Delete(ctx context.Context, jobID job.ID) error {
	now := q.clock.Now()

	q.mu.Lock()
	idx := slices.IndexFunc(q.running, func(jq *JobQueue) bool { return jq.Job.ID == jobID })
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoQueueForJob, jobID)
	}
	jq := q.running[idx]
	q.running = slices.Delete(q.running, idx, idx+1)
	q.deleted = append(q.deleted, jq)
	if !slices.ContainsFunc(q.running, func(other *JobQueue) bool { return other.Group.ID == jq.Group.ID }) {
		delete(q.groups, jq.Group.ID)
	}
	q.mu.Unlock()

	removed := jq.Queue.RemoveAllEnqueued()
	if f, ok := q.permissions.(interface{ ForgetJob(job.ID) }); ok {
		f.ForgetJob(jobID)
	}

	duration := int(now.Sub(jq.ScheduledAt).Seconds())
	q.publish(ctx, "job_duration", func(p metrics.Publisher) error { return p.PublishJobDuration(ctx, duration) })
	q.emit(ctx, events.Event{
		Type:      events.JobDeleted,
		JobID:     string(jobID),
		GroupID:   string(jq.Group.ID),
		Count:     len(removed),
		Timestamp: now,
	})
	balancingLog.Info("job deleted",
		slog.String(logging.KeyJobID, string(jobID)),
		slog.Int(logging.KeyCount, len(removed)),
	)
	return nil
}

// Results returns the collected results of a running or deleted job.
func (q *Queue) Results(jobID job.ID) (*ResultsCollector, error) {
	jq, _, err := q.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return jq.Results, nil
}

// State describes a running or deleted job.
func (q *Queue) State(jobID job.ID) (JobState, error) {
	jq, status, err := q.lookup(jobID)
	if err != nil {
		return JobState{}, err
	}
	return JobState{
		JobID:      jq.Job.ID,
		GroupID:    jq.Group.ID,
		Status:     status,
		QueueState: jq.Queue.RunningQueueState(),
	}, nil
}

func (q *Queue) lookup(jobID job.ID) (*JobQueue, JobStatus, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if jq := q.runningLocked(jobID); jq != nil {
		return jq, JobRunning, nil
	}
	for _, jq := range q.deleted {
		if jq.Job.ID == jobID {
			return jq, JobDeleted, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoQueueForJob, jobID)
}

func (q *Queue) runningLocked(jobID job.ID) *JobQueue {
	for _, jq := range q.running {
		if jq.Job.ID == jobID {
			return jq
		}
	}
	return nil
}

func (q *Queue) runningSnapshot() []*JobQueue {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.running)
}

// OngoingJobIDs returns the running jobs in execution order.
func (q *Queue) OngoingJobIDs() []job.ID {
	running := q.runningSnapshot()
	ids := make([]job.ID, 0, len(running))
	for _, jq := range running {
		ids = append(ids, jq.Job.ID)
	}
	return ids
}

// OngoingJobGroupIDs returns the groups of running jobs in execution order.
func (q *Queue) OngoingJobGroupIDs() []job.GroupID {
	var ids []job.GroupID
	for _, jq := range q.runningSnapshot() {
		if !slices.Contains(ids, jq.Group.ID) {
			ids = append(ids, jq.Group.ID)
		}
	}
	return ids
}

// Totals sums bucket counts over running jobs.
func (q *Queue) Totals() Totals {
	running := q.runningSnapshot()
	t := Totals{OngoingJobs: len(running)}
	for _, jq := range running {
		s := jq.Queue.RunningQueueState()
		t.EnqueuedBuckets += s.EnqueuedBucketCount
		t.DequeuedBuckets += s.DequeuedBucketCount
	}
	return t
}

// ReenqueueStuckBuckets sweeps every job queue. Replacements in deleted jobs
// are discarded.
func (q *Queue) ReenqueueStuckBuckets(ctx context.Context) []bucket.StuckBucket {
	ctx, span := q.tracer.StartSweepSpan(ctx)
	defer span.End()

	q.mu.RLock()
	running := slices.Clone(q.running)
	deleted := slices.Clone(q.deleted)
	q.mu.RUnlock()

	var all []bucket.StuckBucket
	sweep := func(jq *JobQueue, discard bool) {
		stuck := jq.Queue.ReenqueueStuckBuckets(ctx)
		if len(stuck) == 0 {
			return
		}
		if discard {
			jq.Queue.RemoveAllEnqueued()
		}
		now := q.clock.Now()
		for _, s := range stuck {
			q.publish(ctx, "stuck_bucket", func(p metrics.Publisher) error { return p.PublishStuckBucket(ctx, string(s.Reason)) })
			q.emit(ctx, events.Event{
				Type:      events.BucketStuck,
				JobID:     string(jq.Job.ID),
				BucketID:  string(s.Bucket.ID),
				WorkerID:  string(s.WorkerID),
				Reason:    string(s.Reason),
				Timestamp: now,
			})
		}
		all = append(all, stuck...)
	}
	for _, jq := range running {
		sweep(jq, false)
	}
	for _, jq := range deleted {
		sweep(jq, true)
	}
	return all
}

func (q *Queue) publish(ctx context.Context, name string, fn func(metrics.Publisher) error) {
	if err := fn(q.metrics); err != nil {
		balancingLog.WarnContext(ctx, "metric publish failed",
			slog.String(logging.KeyAction, name),
			slog.String(logging.KeyError, err.Error()),
		)
	}
}

func (q *Queue) emit(ctx context.Context, ev events.Event) {
	if err := q.events.Emit(ctx, ev); err != nil {
		balancingLog.WarnContext(ctx, "event emit failed",
			slog.String(logging.KeyAction, string(ev.Type)),
			slog.String(logging.KeyError, err.Error()),
		)
	}
}
