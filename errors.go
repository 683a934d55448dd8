package jobflow

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrQueueCleared is the rejection error delivered to every pending
	// item when SerialQueue.Clear is called.
	ErrQueueCleared = errors.New("jobflow: queue cleared")

	// ErrJobNotFound is returned when a job id is unknown to the registry,
	// either because it never existed or because it was cancelled or
	// swept by cleanup.
	ErrJobNotFound = errors.New("jobflow: job not found")

	// ErrNilWorker is returned by Submit when the worker function is nil.
	ErrNilWorker = errors.New("jobflow: worker function must not be nil")

	// ErrNilSource is returned by SubmitSource when the item source is nil.
	ErrNilSource = errors.New("jobflow: item source must not be nil")

	// ErrNilWork is returned by Enqueue when the work function is nil.
	ErrNilWork = errors.New("jobflow: work function must not be nil")

	// ErrSchedulerClosed is returned by Submit after Shutdown.
	ErrSchedulerClosed = errors.New("jobflow: scheduler closed")
)

// transientError wraps an error to force transient classification
// regardless of what the default predicate would decide.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retriable. Worker functions wrap errors from
// rate-limited upstreams with it when the default signal matching is
// not enough.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// transientSignals are substrings that identify rate-limit or
// network-class failures in upstream error text.
var transientSignals = []string{
	"rate limit",
	"too many requests",
	"429",
	"connection reset",
	"timeout",
	"temporarily unavailable",
}

// IsTransient reports whether err looks like a transient failure:
// an explicit Transient mark, a network timeout, a reset or refused
// connection, or a rate-limit signal in the error text.
//
// It is the default Retriable predicate for both retry layers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSignals {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
