package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_core_events_enqueued_total",
			Help: "Total number of events accepted and durably queued.",
		},
	)

	EventsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_core_events_processed_total",
			Help: "Total number of events accepted by at least one target.",
		},
	)

	EventsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_core_events_failed_total",
			Help: "Total number of events dropped after exhausting retries.",
		},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_core_delivery_attempts_total",
			Help: "Total number of per-target delivery attempts by result.",
		},
		[]string{"target", "result"}, // result: ok or a failure reason
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "control_core_delivery_latency_seconds",
			Help:    "Latency of per-target delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_core_retries_total",
			Help: "Total number of scheduled retries by reason of the last failure.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "control_core_queue_depth",
			Help: "Number of events waiting in the in-memory queue.",
		},
	)

	ScheduledRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "control_core_scheduled_retries",
			Help: "Number of events waiting on a backoff timer.",
		},
	)

	RetryLogFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_core_retry_log_failures_total",
			Help: "Total number of retry records that could not be written to the durable log.",
		},
	)

	UniqueClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "control_core_unique_clients",
			Help: "Number of distinct client ids accepted since start.",
		},
	)

	LogMalformedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_core_log_malformed_lines_total",
			Help: "Total number of durable log lines skipped during replay.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsEnqueuedTotal,
		EventsProcessedTotal,
		EventsFailedTotal,
		DeliveryAttemptsTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		QueueDepth,
		ScheduledRetries,
		RetryLogFailuresTotal,
		UniqueClients,
		LogMalformedLinesTotal,
	)
}

// RecordAttempt records one per-target delivery attempt
func RecordAttempt(target, result string, latency time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(target, result).Inc()
	DeliveryLatencySeconds.WithLabelValues(target).Observe(latency.Seconds())
}

// RecordRetry records a scheduled retry by failure reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// Snapshot is the JSON shape served on the metrics endpoint
type Snapshot struct {
	Enqueued      int64 `json:"enqueued"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	UniqueClients int64 `json:"unique_clients"`
}

// Counters is the process-wide counter set. Increments are atomic and mirrored
// into the Prometheus collectors above.
type Counters struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	clients map[string]struct{}
}

func NewCounters() *Counters {
	return &Counters{clients: make(map[string]struct{})}
}

// ObserveClient records clientID among the distinct clients seen
func (c *Counters) ObserveClient(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients == nil {
		c.clients = make(map[string]struct{})
	}
	if _, ok := c.clients[clientID]; ok {
		return
	}
	c.clients[clientID] = struct{}{}
	UniqueClients.Set(float64(len(c.clients)))
}

func (c *Counters) IncEnqueued() {
	c.enqueued.Add(1)
	EventsEnqueuedTotal.Inc()
}

func (c *Counters) IncProcessed() {
	c.processed.Add(1)
	EventsProcessedTotal.Inc()
}

func (c *Counters) IncFailed() {
	c.failed.Add(1)
	EventsFailedTotal.Inc()
}

// Snapshot returns a point-in-time copy of the counters
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	clients := len(c.clients)
	c.mu.Unlock()
	return Snapshot{
		Enqueued:      c.enqueued.Load(),
		Processed:     c.processed.Load(),
		Failed:        c.failed.Load(),
		UniqueClients: int64(clients),
	}
}
