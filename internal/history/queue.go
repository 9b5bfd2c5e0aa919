package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 5
)

// Queue wraps a Sink with an in-memory buffer and delivery retries so that a
// slow or briefly unavailable sink never blocks lifecycle operations. Events
// are delivered in order; an event is dropped after maxAttempts failures.
type Queue struct {
	sink        Sink
	events      chan Event
	maxAttempts int
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewQueue starts the delivery goroutine. Close must be called to drain.
func NewQueue(sink Sink) *Queue {
	q := &Queue{
		sink:        sink,
		events:      make(chan Event, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Send enqueues the event. When the buffer is full the event is dropped
// rather than blocking the caller.
func (q *Queue) Send(ctx context.Context, e Event) error {
	select {
	case q.events <- e:
	default:
		slog.Warn("history queue full, dropping event", "type", e.Type, "app", e.Record.App)
	}
	return nil
}

// Close stops accepting events and drains the buffer.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.events) })
	q.wg.Wait()
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	for e := range q.events {
		b.Reset()
		for attempt := 1; ; attempt++ {
			err := q.sink.Send(context.Background(), e)
			if err == nil {
				break
			}
			if attempt >= q.maxAttempts {
				slog.Warn("history sink send failed, dropping event",
					"type", e.Type, "app", e.Record.App, "attempts", attempt, "error", err)
				break
			}
			time.Sleep(b.Duration())
		}
	}
}
