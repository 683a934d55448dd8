package jobflow

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queueCounters is a lock-free counter set for the serialized queue.
//
// Writes sit on the drain loop's hot path; reads are cold-path
// observation via Status.
type queueCounters struct {
	// executed is the lifetime number of successfully settled items.
	executed atomic.Uint64

	_ [56]byte // padding to avoid false sharing

	// rejected is the lifetime number of terminally rejected items.
	rejected atomic.Uint64

	_ [56]byte

	// queued is the current number of unsettled items.
	queued atomic.Int64
}

func (c *queueCounters) incExecuted()          { c.executed.Add(1) }
func (c *queueCounters) incRejected()          { c.rejected.Add(1) }
func (c *queueCounters) incQueued()            { c.queued.Add(1) }
func (c *queueCounters) decQueued()            { c.queued.Add(-1) }
func (c *queueCounters) resetQueued()          { c.queued.Store(0) }
func (c *queueCounters) executedCount() uint64 { return c.executed.Load() }
func (c *queueCounters) rejectedCount() uint64 { return c.rejected.Load() }

// Metrics is an Observer exporting the event surface to Prometheus.
// Register it on a Scheduler to get submission, outcome, and duration
// series without touching the orchestration core.
type Metrics struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	itemsSettled  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
}

// NewMetrics creates and registers the collectors with reg. Pass
// prometheus.DefaultRegisterer for the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobflow_jobs_submitted_total",
			Help: "The total number of submitted jobs.",
		}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_jobs_finished_total",
			Help: "The total number of finished jobs by terminal status.",
		}, []string{"status"}),
		itemsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobflow_items_settled_total",
			Help: "The total number of settled items by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobflow_job_duration_seconds",
			Help:    "Duration of completed jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Observe implements Observer.
func (m *Metrics) Observe(e Event) {
	switch e.Type {
	case EventJobStarted:
		m.jobsSubmitted.Inc()
	case EventItemSucceeded:
		m.itemsSettled.WithLabelValues("succeeded").Inc()
	case EventItemFailed:
		m.itemsSettled.WithLabelValues("failed").Inc()
	case EventJobCompleted:
		m.jobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
		m.jobDuration.Observe(e.Elapsed.Seconds())
	case EventJobFailed:
		m.jobsFinished.WithLabelValues(string(StatusFailed)).Inc()
	case EventJobCancelled:
		m.jobsFinished.WithLabelValues(string(StatusCancelled)).Inc()
	}
}
