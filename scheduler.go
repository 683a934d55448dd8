package jobflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
)

// Scheduler partitions a job's items into fixed-size batches and runs
// each batch with bounded concurrency, batch by batch. Multiple jobs
// may run concurrently; each job's own record is only ever mutated by
// its own run goroutine.
//
// Construct one Scheduler and pass it where it is needed; there is no
// package-level instance.
type Scheduler struct {
	registry *Registry
	rep      reporter
	defaults Options
	clock    func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRegistry injects a shared job registry. By default the scheduler
// owns a private one.
func WithRegistry(r *Registry) SchedulerOption {
	return func(s *Scheduler) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithDefaults overrides the scheduler-wide default job options.
func WithDefaults(opts Options) SchedulerOption {
	return func(s *Scheduler) {
		opts.FillDefaults()
		s.defaults = opts
	}
}

// WithObserver registers a lifecycle observer at construction time.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.rep.register(o) }
}

// WithClock overrides the scheduler clock. Intended for tests.
func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler creates a Scheduler ready to accept submissions.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock: time.Now,
	}
	s.defaults.FillDefaults()
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry(WithRegistryClock(s.clock))
	}
	return s
}

// Register adds a lifecycle observer. Observers added mid-flight see
// only events emitted after registration.
func (s *Scheduler) Register(o Observer) { s.rep.register(o) }

// Submit creates a job over the given items and returns its id
// immediately. Processing runs detached; progress is polled via Status
// or observed on the event surface. Callers never receive errors from
// the background execution itself.
func (s *Scheduler) Submit(ctx context.Context, items []Item, fn WorkerFunc, opts Options) (uuid.UUID, error) {
	return s.submit(ctx, items, nil, fn, opts)
}

// SubmitSource is Submit with deferred enumeration: source runs inside
// the detached execution, and a source error fails the whole job
// (status StatusFailed) without any per-item processing.
func (s *Scheduler) SubmitSource(ctx context.Context, source ItemSource, fn WorkerFunc, opts Options) (uuid.UUID, error) {
	if source == nil {
		return uuid.Nil, ErrNilSource
	}
	return s.submit(ctx, nil, source, fn, opts)
}

func (s *Scheduler) submit(ctx context.Context, items []Item, source ItemSource, fn WorkerFunc, opts Options) (uuid.UUID, error) {
	if fn == nil {
		return uuid.Nil, ErrNilWorker
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts = s.mergeDefaults(opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, ErrSchedulerClosed
	}

	job := newJob(opts, len(items), s.clock())
	s.registry.put(job)
	s.wg.Add(1)
	s.mu.Unlock()

	lg.FromContext(ctx).Info("job submitted",
		lg.String("job_id", job.ID.String()),
		lg.String("job_type", job.Type),
		lg.Int("total_items", len(items)),
	)

	// The run outlives the caller's request scope. Logger values are
	// kept; cancellation is registry-based, not context-based.
	go s.run(context.WithoutCancel(ctx), job, items, source, fn, opts)

	return job.ID, nil
}

// mergeDefaults fills zero fields from the scheduler-wide defaults,
// then normalizes the rest.
func (s *Scheduler) mergeDefaults(opts Options) Options {
	if opts.JobType == "" {
		opts.JobType = s.defaults.JobType
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.defaults.BatchSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = s.defaults.MaxConcurrent
	}
	if opts.ItemRetryAttempts <= 0 {
		opts.ItemRetryAttempts = s.defaults.ItemRetryAttempts
	}
	if opts.ItemRetryBaseDelay <= 0 {
		opts.ItemRetryBaseDelay = s.defaults.ItemRetryBaseDelay
	}
	if opts.InterBatchDelay <= 0 {
		opts.InterBatchDelay = s.defaults.InterBatchDelay
	}
	if opts.Retriable == nil {
		opts.Retriable = s.defaults.Retriable
	}
	opts.FillDefaults()
	return opts
}

// itemOutcome is the settled result of one item inside a batch.
type itemOutcome struct {
	itemID   string
	attempts int
	payload  any
	err      error
}

// run is the detached execution path for one job. All outcomes are
// surfaced through the registry and the event stream; nothing escapes
// as a caller-visible error.
func (s *Scheduler) run(ctx context.Context, job *Job, items []Item, source ItemSource, fn WorkerFunc, opts Options) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(ctx).Error("job run panicked",
				lg.String("job_id", job.ID.String()),
				lg.Any("panic", r),
			)
			s.fail(ctx, job, fmt.Errorf("jobflow: orchestration panic: %v", r))
		}
	}()

	logger := lg.FromContext(ctx).With(
		lg.String("job_id", job.ID.String()),
		lg.String("job_type", job.Type),
	)

	s.rep.emit(ctx, s.jobEvent(EventJobStarted, job))
	job.transition(StatusProcessing, s.clock())

	if source != nil {
		enumerated, err := source(ctx)
		if err != nil {
			logger.Error("item enumeration failed", lg.Any("error", err))
			s.fail(ctx, job, err)
			return
		}
		items = enumerated
		job.setTotal(len(items))
	}

	pol := opts.itemPolicy()

	for start := 0; start < len(items); start += opts.BatchSize {
		if !s.registry.contains(job.ID) {
			logger.Info("job cancelled; discarding in-flight batch results")
			return
		}

		end := start + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		outcomes := s.runBatch(ctx, job, batch, fn, pol, opts.MaxConcurrent)

		if !s.registry.contains(job.ID) {
			logger.Info("job cancelled; discarding in-flight batch results")
			return
		}

		for _, out := range outcomes {
			if out.err != nil {
				job.recordOutcome(ItemResult{}, &ItemError{
					ItemID:   out.itemID,
					Attempts: out.attempts,
					Message:  out.err.Error(),
				})
				continue
			}
			job.recordOutcome(ItemResult{
				ItemID:   out.itemID,
				Attempts: out.attempts,
				Payload:  out.payload,
			}, nil)
		}

		processed, _, _, total := job.counts()
		logger.Info("batch settled",
			lg.Int("processed", processed),
			lg.Int("total", total),
		)
		s.rep.emit(ctx, s.jobEvent(EventJobProgress, job))

		if end < len(items) && opts.InterBatchDelay > 0 {
			time.Sleep(opts.InterBatchDelay)
		}
	}

	job.transition(StatusCompleted, s.clock())

	processed, succeeded, failed, _ := job.counts()
	duration := job.snapshot(s.clock()).ElapsedTime
	throughput := 0.0
	if sec := duration.Seconds(); sec > 0 {
		throughput = float64(processed) / sec
	}
	logger.Info("job completed",
		lg.Int("processed", processed),
		lg.Int("succeeded", succeeded),
		lg.Int("failed", failed),
		lg.String("duration", duration.String()),
		lg.Any("items_per_second", throughput),
	)
	s.rep.emit(ctx, s.jobEvent(EventJobCompleted, job))
}

// runBatch launches all items of one batch and waits for every one of
// them to settle. Concurrency within the batch is bounded by
// maxConcurrent; nothing from the next batch starts until this returns.
func (s *Scheduler) runBatch(ctx context.Context, job *Job, batch []Item, fn WorkerFunc, pol RetryPolicy, maxConcurrent int) []itemOutcome {
	outcomes := make([]itemOutcome, len(batch))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, item := range batch {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			s.rep.emit(ctx, s.itemEvent(EventItemProcessing, job, item.ID, 0, nil))

			payload, attempts, err := runWithRetry(ctx, item, fn, pol)
			outcomes[i] = itemOutcome{
				itemID:   item.ID,
				attempts: attempts,
				payload:  payload,
				err:      err,
			}

			if err != nil {
				s.rep.emit(ctx, s.itemEvent(EventItemFailed, job, item.ID, attempts, err))
				return
			}
			s.rep.emit(ctx, s.itemEvent(EventItemSucceeded, job, item.ID, attempts, nil))
		}(i, item)
	}

	wg.Wait()
	return outcomes
}

// fail marks the job orchestration-fatal. Reachable only from failures
// outside the per-item retry boundary.
func (s *Scheduler) fail(ctx context.Context, job *Job, err error) {
	job.setFatal(err)
	if job.transition(StatusFailed, s.clock()) {
		s.rep.emit(ctx, s.jobEvent(EventJobFailed, job))
	}
}

// Cancel marks the job cancelled and removes it from the registry.
//
// Cancellation is cooperative, not preemptive: a batch already in
// flight runs to completion in the background, but its results are
// discarded because the registry entry is gone.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	job, ok := s.registry.remove(id)
	if !ok {
		return ErrJobNotFound
	}
	if job.transition(StatusCancelled, s.clock()) {
		s.rep.emit(context.Background(), s.jobEvent(EventJobCancelled, job))
	}
	return nil
}

// Status returns the current counts plus elapsed and linearly
// extrapolated remaining time.
func (s *Scheduler) Status(id uuid.UUID) (JobStatus, error) {
	return s.registry.Status(id)
}

// CleanupOldJobs removes terminal jobs older than maxAge from the
// registry and returns how many were swept.
func (s *Scheduler) CleanupOldJobs(maxAge time.Duration) int {
	return s.registry.CleanupOldJobs(maxAge)
}

// Shutdown rejects new submissions and waits for detached runs to
// finish, or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jobEvent builds a job-level event with current counts.
func (s *Scheduler) jobEvent(t EventType, job *Job) Event {
	processed, succeeded, failed, total := job.counts()
	snap := job.snapshot(s.clock())
	e := Event{
		Type:      t,
		JobID:     job.ID,
		JobType:   job.Type,
		Total:     total,
		Processed: processed,
		Succeeded: succeeded,
		Failed:    failed,
		Elapsed:   snap.ElapsedTime,
		Time:      s.clock(),
	}
	if t == EventJobFailed {
		e.Err = snap.FatalError
	}
	return e
}

// itemEvent builds an item-level event. Counts are omitted: they are
// recorded only at batch boundaries.
func (s *Scheduler) itemEvent(t EventType, job *Job, itemID string, attempts int, err error) Event {
	_, _, _, total := job.counts()
	e := Event{
		Type:     t,
		JobID:    job.ID,
		JobType:  job.Type,
		Total:    total,
		ItemID:   itemID,
		Attempts: attempts,
		Time:     s.clock(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}
