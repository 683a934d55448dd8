package jobflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
//
// Transitions are monotonic: StatusStarted -> StatusProcessing -> one of
// the terminal states. Terminal states are absorbing; once reached, the
// job record is never mutated again.
type Status string

const (
	// StatusStarted means the job record exists but the detached run
	// has not begun batch processing yet.
	StatusStarted Status = "started"
	// StatusProcessing means batches are being executed.
	StatusProcessing Status = "processing"
	// StatusCompleted means the run finished. Completion is about the
	// run, not the items: a completed job may still carry item failures.
	StatusCompleted Status = "completed"
	// StatusFailed means an orchestration-level error aborted the run.
	// Individual item failures never produce this state.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Item is one unit of work inside a job.
type Item struct {
	ID      string
	Payload any
}

// WorkerFunc processes a single item. It is supplied by the caller and
// opaque to the orchestration core; errors it returns are classified by
// the retry predicate.
type WorkerFunc func(ctx context.Context, item Item) (any, error)

// ItemSource enumerates a job's items lazily at run time. A source
// error is orchestration-fatal: it fails the whole job.
type ItemSource func(ctx context.Context) ([]Item, error)

// ItemResult records a successfully processed item.
type ItemResult struct {
	ItemID   string
	Attempts int
	Payload  any
}

// ItemError records a permanently failed item.
type ItemError struct {
	ItemID   string
	Attempts int
	Message  string
}

// Job is the live record of one submitted batch of work. It is created
// at submit time, mutated only by its own run goroutine, and read
// concurrently through snapshots.
type Job struct {
	ID   uuid.UUID
	Type string

	mu        sync.Mutex
	status    Status
	total     int
	processed int
	succeeded int
	failed    int
	startTime time.Time
	endTime   time.Time
	results   []ItemResult
	errors    []ItemError
	fatal     error
}

func newJob(opts Options, total int, now time.Time) *Job {
	return &Job{
		ID:        uuid.New(),
		Type:      opts.JobType,
		status:    StatusStarted,
		total:     total,
		startTime: now,
	}
}

// transition moves the job to the given state. It reports false when
// the job is already terminal; terminal states absorb all later
// transition attempts.
func (j *Job) transition(to Status, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return false
	}
	j.status = to
	if to.Terminal() {
		j.endTime = now
	}
	return true
}

// setTotal is used by source-backed jobs once enumeration succeeds.
func (j *Job) setTotal(n int) {
	j.mu.Lock()
	j.total = n
	j.mu.Unlock()
}

func (j *Job) setFatal(err error) {
	j.mu.Lock()
	j.fatal = err
	j.mu.Unlock()
}

// recordOutcome settles one item against the job counters. It keeps the
// invariant processed == succeeded + failed.
func (j *Job) recordOutcome(res ItemResult, itemErr *ItemError) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.processed++
	if itemErr != nil {
		j.failed++
		j.errors = append(j.errors, *itemErr)
		return
	}
	j.succeeded++
	j.results = append(j.results, res)
}

func (j *Job) counts() (processed, succeeded, failed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed, j.succeeded, j.failed, j.total
}

// JobStatus is a point-in-time snapshot of a job, safe to hand to any
// caller.
type JobStatus struct {
	ID             uuid.UUID
	Type           string
	Status         Status
	TotalItems     int
	ProcessedItems int
	SucceededItems int
	FailedItems    int
	StartTime      time.Time
	EndTime        time.Time

	// ElapsedTime is now-StartTime for live jobs and the final run
	// duration for terminal ones.
	ElapsedTime time.Duration

	// EstimatedRemaining is a linear extrapolation from the average
	// per-item duration so far. Zero until the first items settle and
	// for terminal jobs.
	EstimatedRemaining time.Duration

	Results []ItemResult
	Errors  []ItemError

	// FatalError is set only when Status is StatusFailed.
	FatalError string
}

func (j *Job) snapshot(now time.Time) JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := JobStatus{
		ID:             j.ID,
		Type:           j.Type,
		Status:         j.status,
		TotalItems:     j.total,
		ProcessedItems: j.processed,
		SucceededItems: j.succeeded,
		FailedItems:    j.failed,
		StartTime:      j.startTime,
		EndTime:        j.endTime,
		Results:        append([]ItemResult(nil), j.results...),
		Errors:         append([]ItemError(nil), j.errors...),
	}
	if j.fatal != nil {
		st.FatalError = j.fatal.Error()
	}

	if j.status.Terminal() {
		st.ElapsedTime = j.endTime.Sub(j.startTime)
		return st
	}

	st.ElapsedTime = now.Sub(j.startTime)
	if j.processed > 0 && j.total > j.processed {
		perItem := st.ElapsedTime / time.Duration(j.processed)
		st.EstimatedRemaining = perItem * time.Duration(j.total-j.processed)
	}
	return st
}
