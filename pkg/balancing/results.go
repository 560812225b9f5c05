package balancing

import (
	"slices"
	"sync"

	"github.com/Shavakan/runs-queue/pkg/bucket"
)

// ResultsCollector gathers the final testing results of one job.
type ResultsCollector struct {
	mu      sync.Mutex
	results []bucket.TestingResult
}

// NewResultsCollector creates an empty collector.
func NewResultsCollector() *ResultsCollector {
	return &ResultsCollector{}
}

// Append records a testing result.
func (c *ResultsCollector) Append(r bucket.TestingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

// Collected returns the recorded results in arrival order.
func (c *ResultsCollector) Collected() []bucket.TestingResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.results)
}

// Merged folds all results into one entry result per test entry, in
// first-seen order. Runs are concatenated, and an entry counts as lost only
// when every result reported it lost.
func (c *ResultsCollector) Merged() []bucket.TestEntryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := make(map[string]int)
	var merged []bucket.TestEntryResult
	for _, r := range c.results {
		for _, er := range r.Results {
			key := er.TestEntry.Key()
			i, ok := index[key]
			if !ok {
				index[key] = len(merged)
				merged = append(merged, bucket.TestEntryResult{
					TestEntry:  er.TestEntry,
					RunResults: slices.Clone(er.RunResults),
					Lost:       er.Lost,
				})
				continue
			}
			merged[i].RunResults = append(merged[i].RunResults, er.RunResults...)
			merged[i].Lost = merged[i].Lost && er.Lost
		}
	}
	return merged
}
