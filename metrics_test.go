package jobflow

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := NewScheduler(WithObserver(m))

	fn := func(ctx context.Context, item Item) (any, error) {
		if item.ID == "item-2" {
			return nil, errors.New("bad document")
		}
		return nil, nil
	}

	id, err := s.Submit(context.Background(), makeItems(4), fn, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitTerminal(t, s, id)

	if got := testutil.ToFloat64(m.jobsSubmitted); got != 1 {
		t.Fatalf("jobs submitted = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.itemsSettled.WithLabelValues("succeeded")); got != 3 {
		t.Fatalf("items succeeded = %v; want 3", got)
	}
	if got := testutil.ToFloat64(m.itemsSettled.WithLabelValues("failed")); got != 1 {
		t.Fatalf("items failed = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.jobsFinished.WithLabelValues(string(StatusCompleted))); got != 1 {
		t.Fatalf("jobs completed = %v; want 1", got)
	}
}

func TestQueueCountersLifetime(t *testing.T) {
	var c queueCounters

	c.incQueued()
	c.incQueued()
	c.incExecuted()
	c.decQueued()
	c.incRejected()

	if c.executedCount() != 1 || c.rejectedCount() != 1 {
		t.Fatalf("executed=%d rejected=%d; want 1/1", c.executedCount(), c.rejectedCount())
	}
	if got := c.queued.Load(); got != 1 {
		t.Fatalf("queued = %d; want 1", got)
	}
}
