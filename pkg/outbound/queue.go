package outbound

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Queue is a capacity-bounded FIFO for one egress topic. Producers never
// block: when the queue is full the oldest entry is evicted and counted.
// The drain loop publishes entries in order while the transport is
// connected; delivery is best-effort and nothing is persisted.
type Queue struct {
	topic     string
	capacity  int
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	entries [][]byte
	dropped uint64
}

// NewQueue creates a queue for one topic. Capacity must be at least one.
func NewQueue(topic string, capacity int, transport Transport, logger zerolog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		topic:     topic,
		capacity:  capacity,
		transport: transport,
		logger:    logger.With().Str("component", "outbound-queue").Str("topic", topic).Logger(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a payload, evicting the oldest entry when full, and wakes
// the drain loop.
func (q *Queue) Enqueue(payload []byte) {
	connected := q.transport.IsConnected()

	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		// Drop-oldest: keep only the freshest entries under backpressure.
		q.entries = append(q.entries[:0], q.entries[1:]...)
		q.dropped++
		// A drop while connected is a burst racing the drain loop and is
		// only counted; the warning is reserved for a broker outage.
		evt := q.logger.Debug()
		if !connected {
			evt = q.logger.Warn()
		}
		evt.Uint64("total_dropped", q.dropped).Msg("Queue full, dropped oldest message")
	}
	q.entries = append(q.entries, payload)

	if !connected && q.dropped == 0 {
		q.logger.Debug().
			Int("backlog", len(q.entries)).
			Msg("Waiting for broker connection, messages cached")
	}
	q.mu.Unlock()

	q.cond.Signal()
}

// Wake re-evaluates the drain predicate. Called by the transport's connect
// callback so a backlog starts draining as soon as the link is back.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the drop counter. It resets to zero whenever the queue
// fully drains.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Entries returns a copy of the queued payloads in FIFO order.
func (q *Queue) Entries() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.entries))
	copy(out, q.entries)
	return out
}

// Run drains the queue until ctx is cancelled. It waits until the transport
// is connected and the queue non-empty, then publishes front entries one at
// a time outside the lock. A publish failure ends the burst; the entry
// stays at the front and is retried on the next wake. On shutdown the
// remaining entries are abandoned.
func (q *Queue) Run(ctx context.Context) {
	// Cancellation must interrupt cond waits.
	go func() {
		<-ctx.Done()
		q.Wake()
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for ctx.Err() == nil && !(q.transport.IsConnected() && len(q.entries) > 0) {
			q.cond.Wait()
		}
		if ctx.Err() != nil {
			q.logger.Debug().Int("abandoned", len(q.entries)).Msg("Drain loop stopped")
			return
		}

		burstFailed := false
		for len(q.entries) > 0 && q.transport.IsConnected() && ctx.Err() == nil {
			payload := q.entries[0]

			q.mu.Unlock()
			err := q.transport.Publish(q.topic, payload)
			q.mu.Lock()

			if err != nil {
				q.logger.Error().Err(err).Msg("Publish failed, ending burst")
				burstFailed = true
				break
			}
			q.entries = append(q.entries[:0], q.entries[1:]...)
			q.logger.Debug().Int("backlog", len(q.entries)).Msg("Published message")
		}

		if len(q.entries) == 0 {
			q.dropped = 0
		}

		// A failed entry stays at the front; retry only on the next wake
		// instead of hammering the broker.
		if burstFailed && ctx.Err() == nil {
			q.cond.Wait()
		}
	}
}
