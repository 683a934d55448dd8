package jobflow

import (
	"context"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
)

// EventType names a lifecycle event on the progress surface.
type EventType string

const (
	EventJobStarted     EventType = "job.started"
	EventJobProgress    EventType = "job.progress"
	EventItemProcessing EventType = "item.processing"
	EventItemSucceeded  EventType = "item.succeeded"
	EventItemFailed     EventType = "item.failed"
	EventJobCompleted   EventType = "job.completed"
	EventJobFailed      EventType = "job.failed"
	EventJobCancelled   EventType = "job.cancelled"
)

// Event is one structured lifecycle notification. Item-level fields are
// set only on item.* events; counts reflect the job at emission time.
//
// The event surface is the only integration point for external
// collaborators (notification, audit, persistence). The core itself
// keeps no durable state.
type Event struct {
	Type    EventType
	JobID   uuid.UUID
	JobType string

	Total     int
	Processed int
	Succeeded int
	Failed    int

	ItemID   string
	Attempts int

	// Err carries the item error message on item.failed and the
	// orchestration error on job.failed.
	Err string

	Elapsed time.Duration
	Time    time.Time
}

// Observer consumes lifecycle events. Implementations must be safe for
// concurrent use; emission can happen from any job's run goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// NoopObserver discards all events. Useful when observation is disabled
// and zero overhead is desired.
type NoopObserver struct{}

func (NoopObserver) Observe(Event) {}

// reporter fans one event out to every registered observer. Emission is
// synchronous; a panicking observer is recovered and logged so it can
// never take down a job's run loop.
type reporter struct {
	mu        sync.RWMutex
	observers []Observer
}

func (r *reporter) register(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

func (r *reporter) emit(ctx context.Context, e Event) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					lg.FromContext(ctx).Error("observer panicked",
						lg.String("event", string(e.Type)),
						lg.Any("panic", rec),
					)
				}
			}()
			o.Observe(e)
		}()
	}
}

// ChannelObserver bridges the observer interface to a channel so a
// dedicated reporting goroutine can range over events.
//
// Sends never block: when the consumer lags and the buffer is full, the
// event is dropped and counted. Progress is observable state, not a
// delivery guarantee.
type ChannelObserver struct {
	ch      chan Event
	mu      sync.Mutex
	dropped uint64
}

// NewChannelObserver creates a channel observer with the given buffer.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

func (c *ChannelObserver) Observe(e Event) {
	select {
	case c.ch <- e:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Events is the consumer side of the observer.
func (c *ChannelObserver) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the consumer
// lagged.
func (c *ChannelObserver) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
