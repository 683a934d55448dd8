package jobflow

import "time"

const (
	// DefaultBatchSize keeps intra-batch fan-out small; each batch
	// typically funnels into one rate-limited upstream.
	DefaultBatchSize = 5

	defaultInterBatchDelay = 0
)

// Options configure one submitted job.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// JobType is an opaque label carried on the job record and every
	// lifecycle event.
	JobType string

	// BatchSize is the number of items per batch. Batch N+1 never
	// starts before batch N fully settles.
	BatchSize int

	// MaxConcurrent bounds concurrent item execution within a batch.
	// Defaults to BatchSize.
	MaxConcurrent int

	// ItemRetryAttempts is the per-item try budget.
	ItemRetryAttempts int

	// ItemRetryBaseDelay is the base for the per-item linear backoff.
	ItemRetryBaseDelay time.Duration

	// InterBatchDelay is slept between consecutive batches.
	InterBatchDelay time.Duration

	// Retriable overrides the default transient-error predicate for
	// per-item retries.
	Retriable func(error) bool
}

func (o *Options) FillDefaults() {
	if o.JobType == "" {
		o.JobType = "batch"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrent <= 0 || o.MaxConcurrent > o.BatchSize {
		o.MaxConcurrent = o.BatchSize
	}
	if o.ItemRetryAttempts <= 0 {
		o.ItemRetryAttempts = defaultItemAttempts
	}
	if o.ItemRetryBaseDelay <= 0 {
		o.ItemRetryBaseDelay = defaultItemBaseDelay
	}
	if o.InterBatchDelay < 0 {
		o.InterBatchDelay = defaultInterBatchDelay
	}
	if o.Retriable == nil {
		o.Retriable = IsTransient
	}
}

// itemPolicy derives the per-item retry policy from the job options.
func (o Options) itemPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  o.ItemRetryAttempts,
		BaseDelay: o.ItemRetryBaseDelay,
		Backoff:   LinearBackoff,
		Retriable: o.Retriable,
	}.withDefaults(DefaultItemRetryPolicy())
}
