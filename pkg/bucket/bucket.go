// Package bucket defines the units of work handed out to test workers.
package bucket

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// ID identifies a bucket. Every reenqueue produces a fresh ID.
type ID string

// WorkerID identifies a remote worker process.
type WorkerID string

// RequestID is supplied by a worker per logical dequeue attempt and stays
// stable across network retries of that attempt.
type RequestID string

// NewID generates a new random bucket ID.
func NewID() ID {
	return ID(uuid.New().String())
}

// TestName is the class/method pair identifying a test case.
type TestName struct {
	ClassName  string `json:"class_name"`
	MethodName string `json:"method_name"`
}

func (n TestName) String() string {
	return n.ClassName + "/" + n.MethodName
}

// TestEntry is a single test case to run.
type TestEntry struct {
	Name   TestName `json:"name"`
	Tags   []string `json:"tags,omitempty"`
	CaseID int64    `json:"case_id,omitempty"`
}

// Key returns a string identifying the entry within a bucket.
func (e TestEntry) Key() string {
	if e.CaseID != 0 {
		return fmt.Sprintf("%s#%d", e.Name, e.CaseID)
	}
	return e.Name.String()
}

// TestDestination describes the device the tests run on.
type TestDestination struct {
	DeviceType     string `json:"device_type"`
	RuntimeVersion string `json:"runtime_version"`
}

func (d TestDestination) String() string {
	return d.DeviceType + "@" + d.RuntimeVersion
}

// ToolResources describes the toolchain used to run the tests.
type ToolResources struct {
	Toolchain     string `json:"toolchain"`
	RunnerVersion string `json:"runner_version,omitempty"`
}

func (r ToolResources) String() string {
	return r.Toolchain + "@" + r.RunnerVersion
}

// Bucket is an immutable unit of work. Methods that change a bucket return a
// copy with a new ID.
type Bucket struct {
	ID            ID                      `json:"bucket_id"`
	Payload       Payload                 `json:"-"`
	Destination   TestDestination         `json:"destination"`
	ToolResources ToolResources           `json:"tool_resources"`
	Environment   map[string]string       `json:"environment,omitempty"`
	// Requirements restrict which workers may run the bucket.
	Requirements  []CapabilityRequirement `json:"worker_capability_requirements,omitempty"`
}

// New creates a bucket with a generated ID.
func New(payload Payload, destination TestDestination, tools ToolResources) Bucket {
	return Bucket{
		ID:            NewID(),
		Payload:       payload,
		Destination:   destination,
		ToolResources: tools,
	}
}

// TestEntries returns the entries of the bucket payload.
func (b Bucket) TestEntries() []TestEntry {
	if b.Payload == nil {
		return nil
	}
	return b.Payload.TestEntries()
}

// TestNames returns the names of the bucket entries in payload order.
func (b Bucket) TestNames() []TestName {
	entries := b.TestEntries()
	names := make([]TestName, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// RunnableOn reports whether a worker with caps meets the bucket
// requirements.
func (b Bucket) RunnableOn(caps []Capability) bool {
	return RequirementsSatisfied(b.Requirements, caps)
}

// ArtifactsKey identifies the build artifacts the bucket runs against.
func (b Bucket) ArtifactsKey() string {
	if b.Payload == nil {
		return ""
	}
	return b.Payload.ArtifactsKey()
}

// WithNewID returns a copy of the bucket under a freshly generated ID.
func (b Bucket) WithNewID() Bucket {
	c := b
	c.ID = NewID()
	c.Environment = maps.Clone(b.Environment)
	c.Requirements = slices.Clone(b.Requirements)
	return c
}

// WithTestEntries returns a copy carrying only the given entries, under a
// freshly generated ID.
func (b Bucket) WithTestEntries(entries []TestEntry) Bucket {
	c := b.WithNewID()
	if b.Payload != nil {
		c.Payload = b.Payload.withTestEntries(slices.Clone(entries))
	}
	return c
}
