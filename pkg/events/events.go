// Package events records queue lifecycle events for operators.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	JobScheduled   Type = "job_scheduled"
	BucketDequeued Type = "bucket_dequeued"
	ResultAccepted Type = "result_accepted"
	BucketStuck    Type = "bucket_stuck"
	JobDeleted     Type = "job_deleted"
)

// Event is one lifecycle record. Fields that do not apply to a type are empty.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	BucketID  string    `json:"bucket_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter appends lifecycle events and reads back the most recent ones.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
	// Latest returns up to count events, newest first.
	Latest(ctx context.Context, count int64) ([]Event, error)
	Close() error
}

// NoopEmitter discards events.
type NoopEmitter struct{}

//nolint:revive // Interface implementation - documented on Emitter interface
func (NoopEmitter) Emit(context.Context, Event) error { return nil }

//nolint:revive // Interface implementation - documented on Emitter interface
func (NoopEmitter) Latest(context.Context, int64) ([]Event, error) { return nil, nil }

//nolint:revive // Interface implementation - documented on Emitter interface
func (NoopEmitter) Close() error { return nil }

var _ Emitter = NoopEmitter{}
