// Package relay moves accepted events from the durable log to the configured
// targets. A Service ties together the log, the in-memory queue, the worker
// pool and the retry scheduler.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
)

// Config holds the delivery settings of a Service
type Config struct {
	Workers         int
	Targets         []delivery.Target
	Retry           RetryPolicy
	DeadLetters     DeadLetterPublisher // optional
	DeadLetterTopic string
	HealthTimeout   time.Duration // per-target health check in Overview, default 5s
}

// Stats is the observable state of a Service
type Stats struct {
	metrics.Snapshot
	QueueDepth       int `json:"queue_depth"`
	PendingLog       int `json:"pending_log"`
	ScheduledRetries int `json:"scheduled_retries"`
}

// Service accepts events and relays them
type Service struct {
	log          Journal
	queue        WorkQueue
	counters     *metrics.Counters
	scheduler    *Scheduler
	pool         *Pool
	targets      []delivery.Target
	healthClient *http.Client
	now          func() time.Time
	logger       *logging.Logger

	stopOnce sync.Once
}

// NewService wires a Service. Nothing runs until Start.
func NewService(cfg Config, log Journal, q WorkQueue, sender Deliverer, counters *metrics.Counters) *Service {
	if counters == nil {
		counters = metrics.NewCounters()
	}
	scheduler := NewScheduler(cfg.Retry, log, q, counters, cfg.DeadLetters, cfg.DeadLetterTopic)
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Service{
		log:          log,
		queue:        q,
		counters:     counters,
		scheduler:    scheduler,
		pool:         NewPool(cfg.Workers, q, log, sender, cfg.Targets, scheduler, counters),
		targets:      cfg.Targets,
		healthClient: &http.Client{Timeout: healthTimeout},
		now:          time.Now,
		logger:       logging.New("control-core-relay"),
	}
}

// Submit durably records ev and queues it for delivery. ev must already be
// validated and stamped. An error means the event was not accepted.
func (s *Service) Submit(ctx context.Context, ev delivery.Event) error {
	if err := s.log.Append(ev); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	s.counters.IncEnqueued()
	s.counters.ObserveClient(ev.ClientID)
	if err := s.queue.Enqueue(ev); err != nil {
		// durable already, recovery picks it up on the next start
		s.logger.WithContext(ctx).WithEvent(ev.ID).WithError(err).Warn("event logged but not queued")
	}
	return nil
}

// Recover queues every event left in the log by a previous run
func (s *Service) Recover(ctx context.Context) (int, error) {
	events, err := s.log.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("load log: %w", err)
	}
	n := 0
	for _, ev := range events {
		if err := s.queue.Enqueue(ev); err != nil {
			return n, fmt.Errorf("requeue event %s: %w", ev.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithField("recovered", n).Info("recovered undelivered events from log")
	}
	return n, nil
}

// Start launches the delivery workers
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
}

// Shutdown waits for in-flight deliveries, then cancels pending backoff
// timers. Undelivered events remain in the log.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		s.pool.Stop()
		s.scheduler.Stop()
		s.logger.Plain().WithField("pending_log", s.log.Len()).Info("relay stopped")
	})
}

// Stats returns the counters and current depths
func (s *Service) Stats() Stats {
	return Stats{
		Snapshot:         s.counters.Snapshot(),
		QueueDepth:       s.queue.Len(),
		PendingLog:       s.log.Len(),
		ScheduledRetries: s.scheduler.Pending(),
	}
}

// QueueDepth returns the number of events waiting for a worker
func (s *Service) QueueDepth() int {
	return s.queue.Len()
}
