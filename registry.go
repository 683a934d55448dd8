package jobflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds live job state keyed by job id.
//
// The map is the only structure mutated by more than one concurrently
// running job; a single job's record is mutated only by its own run
// goroutine. The registry supports concurrent insert, status read, and
// delete.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*Job
	clock func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for snapshots and cleanup.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry creates an empty job registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs:  make(map[uuid.UUID]*Job),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) put(j *Job) {
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

func (r *Registry) lookup(id uuid.UUID) (*Job, bool) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	return j, ok
}

// remove deletes the entry and returns it, if present.
func (r *Registry) remove(id uuid.UUID) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	return j, ok
}

// contains reports whether the job is still registered. Run loops check
// it between batches: a missing entry means the job was cancelled and
// further results must be discarded.
func (r *Registry) contains(id uuid.UUID) bool {
	r.mu.RLock()
	_, ok := r.jobs[id]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of live job entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Status returns a point-in-time snapshot of the job.
func (r *Registry) Status(id uuid.UUID) (JobStatus, error) {
	j, ok := r.lookup(id)
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	return j.snapshot(r.clock()), nil
}

// Statuses snapshots every registered job, in no particular order.
func (r *Registry) Statuses() []JobStatus {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	now := r.clock()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot(now))
	}
	return out
}

// CleanupOldJobs removes terminal jobs whose end time predates maxAge,
// bounding registry growth. It returns the number of removed entries.
func (r *Registry) CleanupOldJobs(maxAge time.Duration) int {
	threshold := r.clock().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, j := range r.jobs {
		j.mu.Lock()
		stale := j.status.Terminal() && j.endTime.Before(threshold)
		j.mu.Unlock()
		if stale {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}
