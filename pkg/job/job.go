// Package job defines scheduled jobs, job groups and their execution order.
package job

import "time"

// ID identifies a scheduled job.
type ID string

// GroupID identifies a job group.
type GroupID string

// Priority orders jobs and groups. Higher values run first.
type Priority uint

const (
	PriorityLowest  Priority = 0
	PriorityDefault Priority = 500
	PriorityHighest Priority = 999
)

// Order is the result of comparing two schedulable entities.
type Order int

const (
	// Before means the receiver executes before the other entity.
	Before Order = iota - 1
	// Equal means neither entity has precedence.
	Equal
	// After means the receiver executes after the other entity.
	After
)

// Job is one submitted request to run a set of tests.
type Job struct {
	ID              ID        `json:"job_id"`
	Priority        Priority  `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
	NumberOfRetries uint      `json:"number_of_retries"`
}

// ExecutionOrder compares by priority (higher first), then by creation time
// (earlier first).
func (j Job) ExecutionOrder(other Job) Order {
	return compare(j.Priority, j.CreatedAt, other.Priority, other.CreatedAt)
}

// Group batches jobs that are weighed together.
type Group struct {
	ID        GroupID   `json:"group_id"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionOrder compares by priority (higher first), then by creation time
// (earlier first).
func (g Group) ExecutionOrder(other Group) Order {
	return compare(g.Priority, g.CreatedAt, other.Priority, other.CreatedAt)
}

func compare(p Priority, createdAt time.Time, otherP Priority, otherCreatedAt time.Time) Order {
	switch {
	case p > otherP:
		return Before
	case p < otherP:
		return After
	case createdAt.Before(otherCreatedAt):
		return Before
	case createdAt.After(otherCreatedAt):
		return After
	default:
		return Equal
	}
}
