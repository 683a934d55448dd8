package jobflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/time/rate"
)

const (
	initialQueueCapacity     = 64
	defaultInterRequestDelay = 100 * time.Millisecond
)

// WorkFunc is one unit of serialized work routed through the queue,
// typically a single call against the shared rate-limited upstream.
type WorkFunc func(ctx context.Context) (any, error)

// Pending is the settle-once future returned by Enqueue. It settles
// when the item finally succeeds, is rejected as terminal, or exhausts
// the queue's retry budget.
type Pending struct {
	done    chan struct{}
	once    sync.Once
	payload any
	err     error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) settle(payload any, err error) {
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		close(p.done)
	})
}

// Done is closed when the item has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the item settles or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queueItem is owned exclusively by the queue until settled.
type queueItem struct {
	id         uint64
	work       WorkFunc
	meta       string
	ctx        context.Context
	retryCount int
	enqueuedAt time.Time
	pending    *Pending
}

// SerialQueue serializes access to a single rate-limited external
// dependency: at most one work call is in flight process-wide,
// regardless of how many jobs submit through it.
//
// Items are drained FIFO with one deliberate exception: a failing head
// item is retried in place rather than requeued to the tail, so a
// retried item always runs before anything enqueued after it. Under
// sustained failure of one item this causes head-of-line blocking; the
// behaviour is intentional and kept pending product clarification.
type SerialQueue struct {
	mu       sync.Mutex
	buf      []*queueItem // circular buffer
	head     int
	tail     int
	size     int
	draining bool
	nextID   uint64

	policy  RetryPolicy
	spacing *rate.Limiter
	clock   func() time.Time

	counters queueCounters
}

// QueueOption configures a SerialQueue.
type QueueOption func(*SerialQueue)

// WithQueueRetryPolicy overrides the queue's retry policy. Zero fields
// fall back to DefaultQueueRetryPolicy.
func WithQueueRetryPolicy(p RetryPolicy) QueueOption {
	return func(q *SerialQueue) {
		q.policy = p.withDefaults(DefaultQueueRetryPolicy())
	}
}

// WithInterRequestDelay sets the fixed spacing between consecutive
// settled items. The sleep happens even on the happy path; it protects
// the shared upstream. Zero disables spacing.
func WithInterRequestDelay(d time.Duration) QueueOption {
	return func(q *SerialQueue) {
		if d <= 0 {
			q.spacing = rate.NewLimiter(rate.Inf, 1)
			return
		}
		q.spacing = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithQueueClock overrides the clock used for wait-time accounting.
func WithQueueClock(clock func() time.Time) QueueOption {
	return func(q *SerialQueue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// NewSerialQueue creates an idle queue. The drain loop starts lazily on
// the first enqueue and returns to idle when the queue empties.
func NewSerialQueue(opts ...QueueOption) *SerialQueue {
	q := &SerialQueue{
		buf:     make([]*queueItem, initialQueueCapacity),
		policy:  DefaultQueueRetryPolicy(),
		spacing: rate.NewLimiter(rate.Every(defaultInterRequestDelay), 1),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends work to the tail and returns its future. meta is an
// opaque label carried into log lines.
func (q *SerialQueue) Enqueue(ctx context.Context, work WorkFunc, meta string) *Pending {
	p := newPending()
	if work == nil {
		p.settle(nil, ErrNilWork)
		return p
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	q.nextID++
	it := &queueItem{
		id:         q.nextID,
		work:       work,
		meta:       meta,
		ctx:        ctx,
		enqueuedAt: q.clock(),
		pending:    p,
	}
	q.push(it)
	q.counters.incQueued()
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	lg.FromContext(ctx).Info("work enqueued",
		lg.String("meta", meta),
		lg.Int("queue_length", q.Len()),
	)

	if start {
		go q.drain()
	}
	return p
}

// push inserts at the tail, growing the circular buffer when full.
func (q *SerialQueue) push(it *queueItem) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.tail] = it
	q.tail++
	if q.tail == len(q.buf) {
		q.tail = 0
	}
	q.size++
}

func (q *SerialQueue) grow() {
	next := make([]*queueItem, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
	q.tail = q.size
}

// peek returns the head item without removing it.
func (q *SerialQueue) peek() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

// pop removes it from the head, but only if it is still the head:
// Clear may have emptied the queue while the work call was in flight.
func (q *SerialQueue) pop(it *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 || q.buf[q.head] != it {
		return
	}
	q.buf[q.head] = nil
	q.head++
	if q.head == len(q.buf) {
		q.head = 0
	}
	q.size--
	q.counters.decQueued()
}

// drain is the single cooperative processing loop. Exactly one drain
// goroutine exists while the queue is non-empty, which is what makes
// the queue single-flight.
func (q *SerialQueue) drain() {
	for {
		it, ok := q.peek()
		if !ok {
			q.mu.Lock()
			// Re-check under the lock: an enqueue may have raced the
			// empty peek. If so, keep draining.
			if q.size > 0 {
				q.mu.Unlock()
				continue
			}
			q.draining = false
			q.mu.Unlock()
			return
		}

		logger := lg.FromContext(it.ctx).With(lg.String("meta", it.meta))

		payload, err := q.invoke(it)
		if err == nil {
			it.pending.settle(payload, nil)
			q.pop(it)
			q.counters.incExecuted()
			logger.Info("work settled", lg.Int("retries", it.retryCount))
			q.pause()
			continue
		}

		q.mu.Lock()
		retries := it.retryCount
		q.mu.Unlock()

		if q.policy.Retriable(err) && retries < q.policy.Attempts {
			q.mu.Lock()
			it.retryCount++
			retries = it.retryCount
			q.mu.Unlock()

			delay := q.policy.delay(retries)
			logger.Warn("work attempt failed; backing off",
				lg.Int("retry", retries),
				lg.String("sleep", delay.String()),
				lg.Any("error", err),
			)
			// Head retained: the same item is retried before anything
			// enqueued after it.
			time.Sleep(delay)
			continue
		}

		it.pending.settle(nil, err)
		q.pop(it)
		q.counters.incRejected()
		logger.Error("work rejected",
			lg.Int("retries", retries),
			lg.Any("error", err),
		)
		q.pause()
	}
}

// invoke runs the head item's work with panic recovery. A cancelled
// item context settles the item without calling work at all.
func (q *SerialQueue) invoke(it *queueItem) (payload any, err error) {
	if ctxErr := it.ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(it.ctx).Error("work panicked",
				lg.String("meta", it.meta),
				lg.Any("panic", r),
			)
			err = fmt.Errorf("jobflow: work panic: %v", r)
		}
	}()
	return it.work(it.ctx)
}

// pause enforces the fixed inter-request spacing after every settled
// item, success or rejection alike.
func (q *SerialQueue) pause() {
	_ = q.spacing.Wait(context.Background())
}

// Len returns the number of unsettled items.
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Length   int
	Draining bool

	// HeadWait is how long the current head item has been waiting since
	// it was enqueued. Zero when the queue is empty.
	HeadWait time.Duration
	// HeadRetries is the current head item's retry count.
	HeadRetries int
	// HeadMeta is the current head item's label.
	HeadMeta string

	// Executed and Rejected are lifetime settle counters.
	Executed uint64
	Rejected uint64
}

// Status reports queue length, drain activity, and head-item wait state.
func (q *SerialQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		Length:   q.size,
		Draining: q.draining,
		Executed: q.counters.executedCount(),
		Rejected: q.counters.rejectedCount(),
	}
	if q.size > 0 {
		head := q.buf[q.head]
		st.HeadWait = q.clock().Sub(head.enqueuedAt)
		st.HeadRetries = head.retryCount
		st.HeadMeta = head.meta
	}
	return st
}

// Clear rejects every pending item with ErrQueueCleared and empties the
// queue. Items that already settled are unaffected; an in-flight work
// call keeps running but its eventual result is discarded.
func (q *SerialQueue) Clear() {
	q.mu.Lock()
	cleared := make([]*queueItem, 0, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.buf)
		cleared = append(cleared, q.buf[idx])
		q.buf[idx] = nil
	}
	q.head = 0
	q.tail = 0
	q.size = 0
	q.counters.resetQueued()
	q.mu.Unlock()

	for _, it := range cleared {
		it.pending.settle(nil, ErrQueueCleared)
	}
}
