package jobflow

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testJob(jobType string, total int, now time.Time) *Job {
	opts := Options{JobType: jobType}
	opts.FillDefaults()
	return newJob(opts, total, now)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 50)

	for i := range ids {
		j := testJob("extract", 10, now)
		ids[i] = j.ID
		r.put(j)
	}

	// Concurrent readers, writers, and deleters against the same map.
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = r.Status(ids[i])
		}()
		go func() {
			defer wg.Done()
			r.put(testJob("extract", 5, now))
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				r.remove(ids[i])
			}
		}()
	}
	wg.Wait()

	if got := r.Len(); got != 75 {
		t.Fatalf("len = %d; want 75 (50 inserted + 50 added - 25 removed)", got)
	}
}

func TestRegistryStatusUnknownJob(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Status(uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v; want ErrJobNotFound", err)
	}
}

func TestRegistryCleanupOldJobs(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(WithRegistryClock(clock.Now))

	// One old terminal job, one fresh terminal job, one live job.
	old := testJob("extract", 1, clock.Now())
	old.transition(StatusCompleted, clock.Now())
	r.put(old)

	clock.Advance(48 * time.Hour)

	fresh := testJob("extract", 1, clock.Now())
	fresh.transition(StatusCompleted, clock.Now())
	r.put(fresh)

	live := testJob("extract", 1, clock.Now())
	live.transition(StatusProcessing, clock.Now())
	r.put(live)

	if removed := r.CleanupOldJobs(24 * time.Hour); removed != 1 {
		t.Fatalf("removed = %d; want 1", removed)
	}
	if _, err := r.Status(old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatal("old terminal job should have been swept")
	}
	if _, err := r.Status(fresh.ID); err != nil {
		t.Fatal("fresh terminal job should survive the sweep")
	}
	if _, err := r.Status(live.ID); err != nil {
		t.Fatal("live job must never be swept")
	}
}

func TestJobStatusEstimatedRemaining(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(WithRegistryClock(clock.Now))

	j := testJob("extract", 10, clock.Now())
	j.transition(StatusProcessing, clock.Now())
	r.put(j)

	// No items processed yet: no extrapolation.
	st, err := r.Status(j.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.EstimatedRemaining != 0 {
		t.Fatalf("estimatedRemaining = %v; want 0 before first item", st.EstimatedRemaining)
	}

	// 4 of 10 items in 20s: 5s per item, 30s remaining.
	clock.Advance(20 * time.Second)
	for i := 0; i < 4; i++ {
		j.recordOutcome(ItemResult{ItemID: "x", Attempts: 1}, nil)
	}

	st, err = r.Status(j.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ElapsedTime != 20*time.Second {
		t.Fatalf("elapsed = %v; want 20s", st.ElapsedTime)
	}
	if st.EstimatedRemaining != 30*time.Second {
		t.Fatalf("estimatedRemaining = %v; want 30s", st.EstimatedRemaining)
	}
}

func TestJobStatusMonotonicTransitions(t *testing.T) {
	now := time.Now()
	j := testJob("extract", 1, now)

	if !j.transition(StatusProcessing, now) {
		t.Fatal("started -> processing should be allowed")
	}
	if !j.transition(StatusCompleted, now) {
		t.Fatal("processing -> completed should be allowed")
	}

	// Terminal states absorb everything.
	if j.transition(StatusFailed, now) {
		t.Fatal("completed job must not transition to failed")
	}
	if j.transition(StatusCancelled, now) {
		t.Fatal("completed job must not transition to cancelled")
	}
	if st := j.snapshot(now).Status; st != StatusCompleted {
		t.Fatalf("status = %v; want completed", st)
	}
}

func TestJobCountsInvariant(t *testing.T) {
	now := time.Now()
	j := testJob("extract", 6, now)

	for i := 0; i < 4; i++ {
		j.recordOutcome(ItemResult{ItemID: "ok", Attempts: 1}, nil)
	}
	for i := 0; i < 2; i++ {
		j.recordOutcome(ItemResult{}, &ItemError{ItemID: "bad", Attempts: 3, Message: "boom"})
	}

	processed, succeeded, failed, total := j.counts()
	if processed != succeeded+failed {
		t.Fatalf("processed=%d succeeded=%d failed=%d; invariant broken", processed, succeeded, failed)
	}
	if processed != total {
		t.Fatalf("processed=%d total=%d; want equal after all items settle", processed, total)
	}
}
