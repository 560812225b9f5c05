package bucket

import "time"

// LostExceptionMessage is reported for entries a worker never produced a
// result for.
const LostExceptionMessage = "test was not executed: no result reported by worker"

// TestRunResult is the outcome of one run of a test entry on a worker.
type TestRunResult struct {
	Succeeded  bool          `json:"succeeded"`
	Exceptions []string      `json:"exceptions,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	Host       string        `json:"host,omitempty"`
}

// TestEntryResult collects the runs of one entry.
type TestEntryResult struct {
	TestEntry  TestEntry       `json:"test_entry"`
	RunResults []TestRunResult `json:"run_results"`
	Lost       bool            `json:"lost,omitempty"`
}

// Succeeded reports whether any run of the entry succeeded.
func (r TestEntryResult) Succeeded() bool {
	for _, run := range r.RunResults {
		if run.Succeeded {
			return true
		}
	}
	return false
}

// LostResult synthesizes a failed result for an entry that never reported.
func LostResult(entry TestEntry, at time.Time) TestEntryResult {
	return TestEntryResult{
		TestEntry: entry,
		RunResults: []TestRunResult{{
			Succeeded:  false,
			Exceptions: []string{LostExceptionMessage},
			StartedAt:  at,
		}},
		Lost: true,
	}
}

// TestingResult is what a worker submits for a dequeued bucket.
type TestingResult struct {
	BucketID    ID                `json:"bucket_id"`
	Destination TestDestination   `json:"destination"`
	Results     []TestEntryResult `json:"results"`
}

// FailedEntries returns the entries whose results did not succeed.
func (r TestingResult) FailedEntries() []TestEntry {
	var failed []TestEntry
	for _, res := range r.Results {
		if !res.Succeeded() {
			failed = append(failed, res.TestEntry)
		}
	}
	return failed
}
