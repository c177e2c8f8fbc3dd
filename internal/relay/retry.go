package relay

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
	"github.com/austindbirch/control_core/internal/tracing"
)

// RetryPolicy decides whether and when a failed event is attempted again
type RetryPolicy struct {
	MaxRetries int           // an event is dropped once its attempt count exceeds this
	BaseDelay  time.Duration // delay unit, doubled per attempt
	MaxBackoff time.Duration // ceiling on a single delay, zero for none
}

// Backoff returns BaseDelay * 2^attempts, capped at MaxBackoff
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Exhausted reports whether an event with the given attempt count must be dropped
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

// Outcome is what the scheduler did with a failed event
type Outcome int

const (
	// Rescheduled means the updated event was logged and a re-enqueue timer armed
	Rescheduled Outcome = iota
	// Dropped means the retry ceiling was exceeded and the event is gone
	Dropped
	// Deferred means the updated record could not be logged. The event is re-run
	// from its existing record after the backoff without counting the attempt.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Rescheduled:
		return "rescheduled"
	case Dropped:
		return "dropped"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// DeadLetterPublisher receives dropped events. *nsq.Producer satisfies it.
type DeadLetterPublisher interface {
	Publish(topic string, body []byte) error
}

// Scheduler re-enqueues failed events after an exponential backoff
type Scheduler struct {
	policy   RetryPolicy
	log      Journal
	queue    WorkQueue
	counters *metrics.Counters
	dlq      DeadLetterPublisher
	dlqTopic string
	logger   *logging.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a scheduler. dlq may be nil.
func NewScheduler(policy RetryPolicy, log Journal, q WorkQueue, counters *metrics.Counters, dlq DeadLetterPublisher, dlqTopic string) *Scheduler {
	return &Scheduler{
		policy:   policy,
		log:      log,
		queue:    q,
		counters: counters,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logging.New("control-core-retry"),
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule handles an event that failed on every target
func (s *Scheduler) Schedule(ctx context.Context, ev delivery.Event, lastErr error, reason string) Outcome {
	next := ev.NextAttempt()

	if s.policy.Exhausted(next.Attempts) {
		s.drop(ctx, next, lastErr)
		return Dropped
	}

	delay := s.policy.Backoff(next.Attempts)

	// the updated record must be durable before the backoff wait begins
	if err := s.log.Append(next); err != nil {
		metrics.RetryLogFailuresTotal.Inc()
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEvent(next.ID).WithClient(next.ClientID).WithField("delay", delay.String()).
			WithError(err).Error("failed to log retry, re-running the logged attempt after backoff")
		// ev matches the record already in the log, so nothing exists only in memory
		s.arm(ev, delay)
		return Deferred
	}

	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("attempt", next.Attempts),
		attribute.String("delay", delay.String()),
	)
	s.arm(next, delay)

	entry := s.logger.WithContext(ctx).WithEvent(next.ID).WithClient(next.ClientID).WithFields(map[string]any{
		"attempt": next.Attempts,
		"delay":   delay.String(),
		"reason":  reason,
	})
	if lastErr != nil {
		entry = entry.WithError(lastErr)
	}
	entry.Info("retry scheduled")
	return Rescheduled
}

// arm re-enqueues ev after delay unless the scheduler stops first
func (s *Scheduler) arm(ev delivery.Event, delay time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	key := ev.Key()
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key, ev) })
	pending := len(s.timers)
	s.mu.Unlock()
	metrics.ScheduledRetries.Set(float64(pending))
}

func (s *Scheduler) fire(key string, ev delivery.Event) {
	s.mu.Lock()
	if _, ok := s.timers[key]; !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	pending := len(s.timers)
	s.mu.Unlock()
	metrics.ScheduledRetries.Set(float64(pending))

	if err := s.queue.Enqueue(ev); err != nil {
		s.logger.Plain().WithEvent(ev.ID).WithError(err).Debug("retry not re-enqueued, event stays in log")
	}
}

func (s *Scheduler) drop(ctx context.Context, ev delivery.Event, lastErr error) {
	if err := s.log.Remove(ev.Key()); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("failed to remove dropped event from log")
	}
	s.counters.IncFailed()

	lastErrText := ""
	if lastErr != nil {
		lastErrText = lastErr.Error()
	}
	tracing.AddSpanEvent(ctx, "delivery.dropped", attribute.Int("attempt", ev.Attempts))
	s.logger.WithContext(ctx).WithEvent(ev.ID).WithClient(ev.ClientID).WithFields(map[string]any{
		"attempts":    ev.Attempts,
		"max_retries": s.policy.MaxRetries,
		"last_error":  lastErrText,
		"event":       ev,
	}).Error("event dropped after exhausting retries")

	if s.dlq == nil {
		return
	}
	body, err := json.Marshal(delivery.NewDeadLetter(ev, lastErrText, "max retries exceeded"))
	if err != nil {
		s.logger.Plain().WithEvent(ev.ID).WithError(err).Error("dead letter marshal failed")
		return
	}
	if err := s.dlq.Publish(s.dlqTopic, body); err != nil {
		s.logger.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	s.logger.WithContext(ctx).WithEvent(ev.ID).WithField("topic", s.dlqTopic).Info("dead letter published")
}

// Pending returns the number of armed backoff timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed timer. The events stay in the durable log.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	metrics.ScheduledRetries.Set(0)
}
