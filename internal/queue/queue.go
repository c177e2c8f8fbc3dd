// Package queue is the live in-memory work queue feeding the relay workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once a closed queue is drained
var ErrClosed = errors.New("queue: closed")

const highWaterLogInterval = 30 * time.Second

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// Enqueue never blocks; Dequeue blocks until an item is available.
type Queue struct {
	mu       sync.Mutex
	items    []delivery.Event
	notify   chan struct{} // closed and replaced whenever items become available
	closed   bool
	done     chan struct{}
	highMark int
	lastWarn time.Time
	logger   *logging.Logger
}

// New creates a queue. highWater > 0 logs a warning when depth reaches it.
func New(highWater int) *Queue {
	return &Queue{
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
		highMark: highWater,
		logger:   logging.New("control-core-queue"),
	}
}

// Enqueue appends ev to the tail of the queue
func (q *Queue) Enqueue(ev delivery.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, ev)
	depth := len(q.items)
	metrics.QueueDepth.Set(float64(depth))
	close(q.notify)
	q.notify = make(chan struct{})
	warn := q.highMark > 0 && depth >= q.highMark && time.Since(q.lastWarn) > highWaterLogInterval
	if warn {
		q.lastWarn = time.Now()
	}
	q.mu.Unlock()

	if warn {
		q.logger.Plain().WithFields(map[string]any{
			"depth":      depth,
			"high_water": q.highMark,
		}).Warn("queue depth above high water mark")
	}
	return nil
}

// Dequeue removes and returns the head of the queue, blocking until an item is
// available, ctx is done, or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (delivery.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = delivery.Event{}
			q.items = q.items[1:]
			depth := len(q.items)
			if depth == 0 {
				q.items = nil
			}
			// published under the lock so concurrent updates land in order
			metrics.QueueDepth.Set(float64(depth))
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return delivery.Event{}, ErrClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return delivery.Event{}, ctx.Err()
		case <-q.done:
		case <-wait:
		}
	}
}

// Len returns the current depth
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Enqueue calls and wakes blocked consumers. Items already
// queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
