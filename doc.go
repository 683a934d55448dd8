// Package jobflow provides a strictly serialized, rate-limited request
// queue and a bounded-concurrency batch scheduler for driving large
// numbers of independent extraction jobs with per-item retry, progress
// observation, and cooperative cancellation.
//
// Design goals
//
// The package is designed around the following principles:
//
//   - Protect a single shared rate-limited upstream with strict
//     single-flight serialization
//   - Keep per-job fan-out small and bounded, batch by batch
//   - Make every outcome observable without exposing callers to
//     background failures
//   - Keep all state in process memory; persistence belongs to
//     listeners on the event surface
//
// Rather than optimizing for the latency of a single item, jobflow
// optimizes for predictable pressure on a fragile upstream and for
// faithful progress accounting across long-running jobs.
//
// Architecture overview
//
// The orchestration core is composed of three loosely coupled layers:
//
//   1. Serialization (SerialQueue)
//      A single cooperative drain loop with at most one work call in
//      flight process-wide. Transient failures back off exponentially
//      and retry the head item in place.
//
//   2. Batch execution (Scheduler)
//      Items are partitioned into fixed-size batches. A batch's items
//      run concurrently under a bound; batch N+1 never starts before
//      batch N fully settles. Per-item retries use an independent
//      linear budget that composes with the queue's when a worker
//      routes through it.
//
//   3. Lifecycle and observation (Registry, events)
//      Live job state is held in a concurrent registry and mutated
//      only by the job's own run goroutine. Lifecycle events fan out
//      to registered observers; a channel observer bridges to
//      dedicated reporting goroutines.
//
// Ordering model
//
// The queue preserves FIFO order for items that never retry. A retried
// item is retried before any later-enqueued item: the head is removed
// only on final settle. Under sustained failure of one item this is
// head-of-line blocking. That is a deliberate property of the drain
// loop, not an accident.
//
// Within one job, at most BatchSize items execute concurrently and no
// ordering is guaranteed inside a batch. Distinct jobs interleave
// freely at the queue's single lane.
//
// Error handling
//
// The package distinguishes three classes of errors:
//
//   - Transient errors: rate-limit or network-class failures, retried
//     at both the queue layer and the item layer, each with its own
//     bounded budget and backoff curve
//   - Terminal item errors: recorded against the item; the batch and
//     the job continue
//   - Orchestration errors: failures outside the per-item boundary,
//     such as item enumeration; these fail the whole job immediately
//
// Item failures are swallowed into the job's error list and surfaced
// through status snapshots and events. Panics inside worker functions
// and observers are recovered so they never take down a run loop.
//
// Cancellation
//
// Cancellation is cooperative and registry-based. Cancelling a job
// removes its registry entry; a batch already in flight runs to
// completion in the background and its results are discarded. There is
// no preemption of dispatched work, and no state survives a process
// restart.
package jobflow
