package progress

import (
	"sort"
	"sync"
)

// Registry indexes jobs by ID so that concurrent jobs never share counters
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	latest *Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Add registers a job and makes it the latest
func (r *Registry) Add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	r.latest = j
}

// Get looks up a job by ID
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Latest returns the most recently submitted job, or nil
func (r *Registry) Latest() *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// LatestProgress returns the latest job's counters, or zeros if no job has started
func (r *Registry) LatestProgress() Snapshot {
	j := r.Latest()
	if j == nil {
		return Snapshot{State: StateIdle}
	}
	return j.Progress()
}

// List returns all jobs, oldest first
func (r *Registry) List() []*Job {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].Created.Before(jobs[b].Created)
	})
	return jobs
}

// Remove forgets a finished job. Running jobs are kept.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !j.State().Terminal() {
		return false
	}
	delete(r.jobs, id)
	if r.latest == j {
		r.latest = nil
	}
	return true
}
