// Package batcher coalesces bursty state-change events into state_batch
// frames. Ingestion never blocks the hub read path; delivery is best-effort
// and batches are discarded when the cloud is not authenticated at flush
// time.
package batcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
	"github.com/helm-home/bridge/internal/protocol"
)

var (
	batchedEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_batched_events_total",
		Help: "The total number of state events accepted by the batcher",
	})
	droppedEventsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dropped_events_total",
		Help: "The total number of state events dropped on buffer overflow",
	})
	sentBatchesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sent_batches_total",
		Help: "The total number of state batches emitted to the cloud",
	})
	discardedBatchesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_discarded_batches_total",
		Help: "The total number of batches discarded while the cloud was not authenticated",
	})
)

const (
	defaultDebounce = 500 * time.Millisecond
	defaultCapacity = 4096
)

// Sink receives flushed batches. The cloud session implements it.
type Sink interface {
	Authenticated() bool
	SendStateBatch(batchID string, isOverflow bool, events []protocol.BatchEvent) error
}

type Batcher struct {
	sink     Sink
	debounce time.Duration
	capacity int

	mu         sync.Mutex
	buf        []models.StateChangeEvent
	overflowed bool
	timer      *time.Timer
	closed     bool

	lastEvent atomic.Int64
}

type Option func(*Batcher)

// WithDebounce overrides the flush delay. Used by tests.
func WithDebounce(d time.Duration) Option {
	return func(b *Batcher) { b.debounce = d }
}

// WithCapacity overrides the buffer bound.
func WithCapacity(n int) Option {
	return func(b *Batcher) { b.capacity = n }
}

func New(sink Sink, opts ...Option) *Batcher {
	b := &Batcher{
		sink:     sink,
		debounce: defaultDebounce,
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends one event to the current window and arms the flush timer if
// none is armed. It never blocks.
func (b *Batcher) Add(ev models.StateChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if len(b.buf) >= b.capacity {
		// Drop the oldest so the most recent states survive the window.
		b.buf = b.buf[1:]
		b.overflowed = true
		droppedEventsMetric.Inc()
	}
	b.buf = append(b.buf, ev)
	batchedEventsMetric.Inc()
	b.lastEvent.Store(time.Now().UnixMilli())

	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, b.flush)
	}
}

// LastEventAt returns the unix-milli timestamp of the most recent ingested
// event, 0 when none has arrived yet. Heartbeats report it.
func (b *Batcher) LastEventAt() int64 {
	return b.lastEvent.Load()
}

// Close cancels the pending timer and performs one final synchronous flush.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
}

func (b *Batcher) flush() {
	log := log.WithField("prefix", "batcher.flush")

	b.mu.Lock()
	events := b.buf
	overflow := b.overflowed
	b.buf = nil
	b.overflowed = false
	b.timer = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	if !b.sink.Authenticated() {
		discardedBatchesMetric.Inc()
		log.Debugf("cloud not authenticated, discarding %d state events", len(events))
		return
	}

	outbound := make([]protocol.BatchEvent, 0, len(events))
	for _, ev := range events {
		outbound = append(outbound, protocol.BatchEvent{
			EntityID:  ev.EntityID,
			OldState:  ev.OldState,
			NewState:  ev.NewState,
			Timestamp: ev.Timestamp,
		})
	}

	batchID := protocol.NewBatchID()
	if err := b.sink.SendStateBatch(batchID, overflow, outbound); err != nil {
		log.Warnf("failed to send batch %s with %d events: %v", batchID, len(outbound), err)
		return
	}
	sentBatchesMetric.Inc()
	log.Debugf("sent batch %s with %d events", batchID, len(outbound))
}
