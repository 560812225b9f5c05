package config

import (
	"fmt"
	"os"

	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/job"
	"gopkg.in/yaml.v3"
)

// WorkersFile is the schema of the RUNS_QUEUE_WORKERS_FILE document.
type WorkersFile struct {
	Workers  []WorkerSpec    `yaml:"workers"`
	Denylist []DenylistEntry `yaml:"denylist,omitempty"`
}

// WorkerSpec declares a known worker.
type WorkerSpec struct {
	ID       bucket.WorkerID `yaml:"id"`
	Disabled bool            `yaml:"disabled,omitempty"`
}

// DenylistEntry keeps a worker away from the listed job groups, or from every
// job when JobGroups is empty.
type DenylistEntry struct {
	Worker    bucket.WorkerID `yaml:"worker"`
	JobGroups []job.GroupID   `yaml:"job_groups,omitempty"`
}

// LoadWorkersFile reads and validates a workers file.
func LoadWorkersFile(path string) (*WorkersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workers file: %w", err)
	}
	return ParseWorkersFile(data)
}

// ParseWorkersFile parses and validates a workers file from YAML bytes.
func ParseWorkersFile(data []byte) (*WorkersFile, error) {
	var wf WorkersFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workers file: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the workers file for errors.
func (w *WorkersFile) Validate() error {
	seen := make(map[bucket.WorkerID]bool)
	for i, entry := range w.Workers {
		if entry.ID == "" {
			return fmt.Errorf("workers[%d]: id is required", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("workers[%d]: duplicate worker id: %s", i, entry.ID)
		}
		seen[entry.ID] = true
	}
	for i, entry := range w.Denylist {
		if entry.Worker == "" {
			return fmt.Errorf("denylist[%d]: worker is required", i)
		}
		for j, g := range entry.JobGroups {
			if g == "" {
				return fmt.Errorf("denylist[%d] %s: job_groups[%d] is empty", i, entry.Worker, j)
			}
		}
	}
	return nil
}

// KnownWorkerIDs returns the declared worker ids in file order. A nil file
// declares none.
func (w *WorkersFile) KnownWorkerIDs() []bucket.WorkerID {
	if w == nil {
		return nil
	}
	ids := make([]bucket.WorkerID, 0, len(w.Workers))
	for _, entry := range w.Workers {
		ids = append(ids, entry.ID)
	}
	return ids
}

// DisabledWorkerIDs returns the workers that start disabled.
func (w *WorkersFile) DisabledWorkerIDs() []bucket.WorkerID {
	if w == nil {
		return nil
	}
	var ids []bucket.WorkerID
	for _, entry := range w.Workers {
		if entry.Disabled {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}
