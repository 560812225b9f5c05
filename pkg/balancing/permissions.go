package balancing

import (
	"sync"

	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/job"
	"k8s.io/utils/set"
)

// PermissionProvider decides whether a worker may serve a job.
type PermissionProvider interface {
	IsAllowed(workerID bucket.WorkerID, jobID job.ID, groupID job.GroupID) bool
}

// AllowAll permits every worker to serve every job.
type AllowAll struct{}

//nolint:revive // Interface implementation - documented on PermissionProvider interface
func (AllowAll) IsAllowed(bucket.WorkerID, job.ID, job.GroupID) bool { return true }

// Denylist keeps workers away from jobs, from job groups, or from everything.
type Denylist struct {
	mu     sync.RWMutex
	global set.Set[bucket.WorkerID]
	groups map[job.GroupID]set.Set[bucket.WorkerID]
	jobs   map[job.ID]set.Set[bucket.WorkerID]
}

var (
	_ PermissionProvider = AllowAll{}
	_ PermissionProvider = (*Denylist)(nil)
)

// NewDenylist creates an empty denylist.
func NewDenylist() *Denylist {
	return &Denylist{
		global: set.New[bucket.WorkerID](),
		groups: make(map[job.GroupID]set.Set[bucket.WorkerID]),
		jobs:   make(map[job.ID]set.Set[bucket.WorkerID]),
	}
}

// DenyAll keeps workerID away from every job.
func (d *Denylist) DenyAll(workerID bucket.WorkerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global.Insert(workerID)
}

// DenyGroups keeps workerID away from jobs of the given groups.
func (d *Denylist) DenyGroups(workerID bucket.WorkerID, groups ...job.GroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range groups {
		if d.groups[g] == nil {
			d.groups[g] = set.New[bucket.WorkerID]()
		}
		d.groups[g].Insert(workerID)
	}
}

// DenyJob keeps the given workers away from jobID. It returns the workers
// that were not denied the job before.
func (d *Denylist) DenyJob(jobID job.ID, workers ...bucket.WorkerID) []bucket.WorkerID {
	if len(workers) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[jobID] == nil {
		d.jobs[jobID] = set.New[bucket.WorkerID]()
	}
	var added []bucket.WorkerID
	for _, w := range workers {
		if !d.jobs[jobID].Has(w) {
			d.jobs[jobID].Insert(w)
			added = append(added, w)
		}
	}
	return added
}

// AllowJob lifts the per-job denial of the given workers.
func (d *Denylist) AllowJob(jobID job.ID, workers ...bucket.WorkerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	denied, ok := d.jobs[jobID]
	if !ok {
		return
	}
	denied.Delete(workers...)
	if denied.Len() == 0 {
		delete(d.jobs, jobID)
	}
}

// ForgetJob drops the per-job entries of jobID.
func (d *Denylist) ForgetJob(jobID job.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, jobID)
}

// IsAllowed implements PermissionProvider.
func (d *Denylist) IsAllowed(workerID bucket.WorkerID, jobID job.ID, groupID job.GroupID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.global.Has(workerID) {
		return false
	}
	if d.groups[groupID].Has(workerID) {
		return false
	}
	return !d.jobs[jobID].Has(workerID)
}
