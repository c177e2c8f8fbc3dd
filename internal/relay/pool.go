package relay

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
	"github.com/austindbirch/control_core/internal/tracing"
)

// Journal is the durable record of undelivered events
type Journal interface {
	Append(ev delivery.Event) error
	Remove(key string) error
	LoadAll() ([]delivery.Event, error)
	Len() int
}

// WorkQueue hands events to workers
type WorkQueue interface {
	Enqueue(ev delivery.Event) error
	Dequeue(ctx context.Context) (delivery.Event, error)
	Len() int
}

// Deliverer sends one event to one target
type Deliverer interface {
	Send(ctx context.Context, t delivery.Target, ev delivery.Event) delivery.Result
}

// Pool runs a fixed number of delivery workers over a WorkQueue
type Pool struct {
	workers   int
	queue     WorkQueue
	log       Journal
	sender    Deliverer
	targets   []delivery.Target
	scheduler *Scheduler
	counters  *metrics.Counters
	logger    *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool. workers below one is treated as one.
func NewPool(workers int, q WorkQueue, log Journal, sender Deliverer, targets []delivery.Target, scheduler *Scheduler, counters *metrics.Counters) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:   workers,
		queue:     q,
		log:       log,
		sender:    sender,
		targets:   targets,
		scheduler: scheduler,
		counters:  counters,
		logger:    logging.New("control-core-worker"),
	}
}

// Start launches the workers. Calling Start on a running pool does nothing.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.WithFields(map[string]any{
		"workers": p.workers,
		"targets": len(p.targets),
	}).Info("delivery workers started")
}

// Stop stops taking new events and waits for in-flight deliveries to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Plain().Info("delivery workers stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		ev, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Plain().WithField("worker", id).Debug("worker exiting")
			return
		}
		// an in-flight delivery outlives shutdown of the pool
		p.process(context.WithoutCancel(ctx), ev)
	}
}

// process delivers ev to every target and settles it
func (p *Pool) process(ctx context.Context, ev delivery.Event) {
	ctx, span := tracing.StartSpan(ctx, "relay.deliver",
		tracing.EventAttributes(ev.ID, ev.ClientID, ev.Action, ev.Attempts)...)
	defer span.End()

	results := p.deliverAll(ctx, ev)

	var merr *multierror.Error
	delivered := 0
	reason := ""
	for _, r := range results {
		if r.OK() {
			delivered++
			continue
		}
		if reason == "" {
			reason = r.Reason()
		}
		merr = multierror.Append(merr, r.Error())
	}

	if delivered > 0 {
		if err := p.log.Remove(ev.Key()); err != nil {
			// the record outlives the delivery and is replayed on restart
			tracing.SetSpanError(ctx, err)
			p.logger.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("failed to remove delivered event from log")
		}
		p.counters.IncProcessed()
		entry := p.logger.WithContext(ctx).WithEvent(ev.ID).WithClient(ev.ClientID).WithFields(map[string]any{
			"action":    ev.Action,
			"delivered": delivered,
			"targets":   len(results),
			"attempts":  ev.Attempts,
		})
		if err := merr.ErrorOrNil(); err != nil {
			entry = entry.WithField("partial_errors", err.Error())
		}
		entry.Info("event relayed")
		return
	}

	if reason == "" {
		reason = "no_targets"
	}
	lastErr := merr.ErrorOrNil()
	if lastErr != nil {
		tracing.SetSpanError(ctx, lastErr)
	}
	outcome := p.scheduler.Schedule(ctx, ev, lastErr, reason)
	span.SetAttributes(attribute.String("relay.outcome", outcome.String()))
}

// deliverAll sends ev to all targets concurrently and returns results in target order
func (p *Pool) deliverAll(ctx context.Context, ev delivery.Event) []delivery.Result {
	results := make([]delivery.Result, len(p.targets))
	var wg sync.WaitGroup
	for i, t := range p.targets {
		wg.Add(1)
		go func(i int, t delivery.Target) {
			defer wg.Done()
			tctx, span := tracing.StartSpan(ctx, "relay.target",
				tracing.TargetNameKey.String(t.Name),
				attribute.String("target.url", t.URL),
			)
			defer span.End()

			res := p.sender.Send(tctx, t, ev)
			metrics.RecordAttempt(t.Name, res.Reason(), res.Latency)
			span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
			if err := res.Error(); err != nil {
				tracing.SetSpanError(tctx, err)
				p.logger.WithContext(tctx).WithEvent(ev.ID).WithTarget(t.Name).WithFields(map[string]any{
					"status":  res.StatusCode,
					"reason":  res.Reason(),
					"attempt": ev.Attempts,
				}).WithError(err).Warn("target delivery failed")
			}
			results[i] = res
		}(i, t)
	}
	wg.Wait()
	return results
}
