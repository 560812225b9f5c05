package bucket

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func iosBucket(names ...string) Bucket {
	entries := make([]TestEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, TestEntry{Name: TestName{ClassName: "LoginTests", MethodName: n}})
	}
	return New(
		IOSPayload{
			Entries:   entries,
			Artifacts: IOSBuildArtifacts{AppBundle: "app.zip", RunnerApp: "runner.zip", XCTestBundle: "tests.zip"},
			TestType:  TestTypeUI,
		},
		TestDestination{DeviceType: "iPhone 15", RuntimeVersion: "17.4"},
		ToolResources{Toolchain: "xcode-15.3"},
	)
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %s", id)
		}
		seen[id] = true
	}
}

func TestBucket_WithNewID(t *testing.T) {
	b := iosBucket("testA", "testB")
	b.Environment = map[string]string{"LANG": "en"}

	c := b.WithNewID()

	if c.ID == b.ID {
		t.Error("WithNewID() kept the original ID")
	}
	if len(c.TestEntries()) != 2 {
		t.Errorf("WithNewID() entries = %d, want 2", len(c.TestEntries()))
	}
	if c.Destination != b.Destination || c.ToolResources != b.ToolResources {
		t.Error("WithNewID() changed execution context")
	}
	if c.ArtifactsKey() != b.ArtifactsKey() {
		t.Error("WithNewID() changed build artifacts")
	}

	c.Environment["LANG"] = "de"
	if b.Environment["LANG"] != "en" {
		t.Error("WithNewID() shares environment map with the original")
	}
}

func TestBucket_WithTestEntries(t *testing.T) {
	b := iosBucket("testA", "testB", "testC")
	entries := b.TestEntries()

	c := b.WithTestEntries(entries[1:])

	if c.ID == b.ID {
		t.Error("WithTestEntries() kept the original ID")
	}
	if got := len(c.TestEntries()); got != 2 {
		t.Fatalf("WithTestEntries() entries = %d, want 2", got)
	}
	if c.TestEntries()[0].Name.MethodName != "testB" {
		t.Errorf("first entry = %s, want testB", c.TestEntries()[0].Name)
	}
	if got := len(b.TestEntries()); got != 3 {
		t.Errorf("original bucket mutated: entries = %d, want 3", got)
	}
	if c.Payload.Kind() != PayloadIOS {
		t.Errorf("payload kind = %s, want %s", c.Payload.Kind(), PayloadIOS)
	}
}

func TestBucket_TestNames(t *testing.T) {
	b := iosBucket("testA", "testB")
	names := b.TestNames()
	want := []string{"LoginTests/testA", "LoginTests/testB"}
	if len(names) != len(want) {
		t.Fatalf("TestNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i].String() != want[i] {
			t.Errorf("TestNames()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestBucket_NilPayload(t *testing.T) {
	var b Bucket
	if b.TestEntries() != nil {
		t.Error("TestEntries() of empty bucket should be nil")
	}
	if b.ArtifactsKey() != "" {
		t.Error("ArtifactsKey() of empty bucket should be empty")
	}
}

func TestTestEntry_Key(t *testing.T) {
	tests := []struct {
		name  string
		entry TestEntry
		want  string
	}{
		{
			name:  "without case id",
			entry: TestEntry{Name: TestName{ClassName: "A", MethodName: "b"}},
			want:  "A/b",
		},
		{
			name:  "with case id",
			entry: TestEntry{Name: TestName{ClassName: "A", MethodName: "b"}, CaseID: 42},
			want:  "A/b#42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBucket_JSONKeepsPayloadKind(t *testing.T) {
	android := New(
		AndroidPayload{
			Entries:   []TestEntry{{Name: TestName{ClassName: "MainActivityTest", MethodName: "opens"}}},
			Artifacts: AndroidBuildArtifacts{AppAPK: "app.apk", TestAPK: "app-test.apk"},
		},
		TestDestination{DeviceType: "pixel_7", RuntimeVersion: "34"},
		ToolResources{Toolchain: "adb-35"},
	)

	data, err := json.Marshal(android)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Bucket
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	p, ok := decoded.Payload.(AndroidPayload)
	if !ok {
		t.Fatalf("decoded payload type = %T, want AndroidPayload", decoded.Payload)
	}
	if p.Artifacts.TestAPK != "app-test.apk" {
		t.Errorf("TestAPK = %q, want app-test.apk", p.Artifacts.TestAPK)
	}
	if decoded.ID != android.ID {
		t.Errorf("ID = %s, want %s", decoded.ID, android.ID)
	}
}

func TestBucket_UnmarshalUnknownKind(t *testing.T) {
	data := []byte(`{"bucket_id":"b1","payload_kind":"web_tests","payload":{}}`)
	var b Bucket
	err := json.Unmarshal(data, &b)
	if !errors.Is(err, ErrUnknownPayloadKind) {
		t.Errorf("Unmarshal() error = %v, want ErrUnknownPayloadKind", err)
	}
}

func TestTestEntryResult_Succeeded(t *testing.T) {
	entry := TestEntry{Name: TestName{ClassName: "A", MethodName: "b"}}
	tests := []struct {
		name string
		runs []TestRunResult
		want bool
	}{
		{name: "no runs", runs: nil, want: false},
		{name: "single failure", runs: []TestRunResult{{Succeeded: false}}, want: false},
		{name: "failure then success", runs: []TestRunResult{{Succeeded: false}, {Succeeded: true}}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := TestEntryResult{TestEntry: entry, RunResults: tt.runs}
			if got := r.Succeeded(); got != tt.want {
				t.Errorf("Succeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLostResult(t *testing.T) {
	entry := TestEntry{Name: TestName{ClassName: "A", MethodName: "b"}}
	r := LostResult(entry, time.Unix(100, 0))
	if !r.Lost {
		t.Error("LostResult() should be marked lost")
	}
	if r.Succeeded() {
		t.Error("LostResult() should not succeed")
	}
	if len(r.RunResults) != 1 || r.RunResults[0].Exceptions[0] != LostExceptionMessage {
		t.Errorf("LostResult() runs = %+v", r.RunResults)
	}
}

func TestDequeueResultConstructors(t *testing.T) {
	if got := CheckAgainLater(30 * time.Second); got.Kind != DequeueCheckAgainLater || got.CheckAfter != 30*time.Second {
		t.Errorf("CheckAgainLater() = %+v", got)
	}
	if got := QueueIsEmpty(); got.Kind != DequeueQueueIsEmpty || got.Bucket != nil {
		t.Errorf("QueueIsEmpty() = %+v", got)
	}
	dq := DequeuedBucket{EnqueuedBucket: NewEnqueuedBucket(iosBucket("testA"), time.Now()), WorkerID: "w1", RequestID: "r1"}
	if got := Dequeued(dq); got.Kind != DequeueDequeuedBucket || got.Bucket == nil || got.Bucket.WorkerID != "w1" {
		t.Errorf("Dequeued() = %+v", got)
	}
	if got := WorkerIsNotRegistered(); got.Kind != DequeueWorkerIsNotRegistered {
		t.Errorf("WorkerIsNotRegistered() = %+v", got)
	}
}
