// Package membuffer implements the in-memory buffer (spec §4.7): a
// fixed-capacity channel-backed queue with two overflow policies chosen
// at construction.
package membuffer

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxgate/agent/internal/buffer"
	"github.com/fluxgate/agent/internal/event"
)

// Policy is the overflow behavior applied when the buffer is at capacity.
type Policy int

const (
	// Block suspends the producer until space frees.
	Block Policy = iota
	// DropNewest drops the incoming batch and increments a counter
	// instead of blocking the producer.
	DropNewest
)

type metrics struct {
	dropped prometheus.Counter
	depth   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	return &metrics{
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "buffer_memory_dropped_events_total",
			Help:        "Event batches dropped by a DropNewest in-memory buffer.",
			ConstLabels: prometheus.Labels{"buffer": name},
		}),
		depth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "buffer_memory_depth",
			Help:        "Current number of event batches queued in an in-memory buffer.",
			ConstLabels: prometheus.Labels{"buffer": name},
		}),
	}
}

// Buffer is a bounded, channel-backed implementation of buffer.Buffer.
type Buffer struct {
	ch       chan event.EventArray
	policy   Policy
	metrics  *metrics
	closeMu  sync.Mutex
	closed   bool
	closeCh  chan struct{}
}

var _ buffer.Buffer = (*Buffer)(nil)

// New constructs a Buffer with the given capacity (in event batches) and
// overflow policy. name is used as a metric label.
func New(capacity int, policy Policy, reg prometheus.Registerer, name string) *Buffer {
	return &Buffer{
		ch:      make(chan event.EventArray, capacity),
		policy:  policy,
		metrics: newMetrics(reg, name),
		closeCh: make(chan struct{}),
	}
}

// Send enqueues arr. Under Block, it suspends until capacity frees or ctx
// is done. Under DropNewest, it drops arr immediately (incrementing the
// dropped counter) if the channel is currently full.
func (b *Buffer) Send(ctx context.Context, arr event.EventArray) error {
	b.closeMu.Lock()
	closed := b.closed
	b.closeMu.Unlock()
	if closed {
		return buffer.ErrClosed
	}

	switch b.policy {
	case DropNewest:
		select {
		case b.ch <- arr:
			b.metrics.depth.Set(float64(len(b.ch)))
			return nil
		default:
			b.metrics.dropped.Inc()
			for _, e := range arr.Events {
				e.Drop()
			}
			return nil
		}
	default: // Block
		select {
		case b.ch <- arr:
			b.metrics.depth.Set(float64(len(b.ch)))
			return nil
		case <-b.closeCh:
			return buffer.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Recv returns the next EventArray, or buffer.ErrClosed once closed and
// every already-buffered batch has been drained. Buffered batches are
// always delivered before Close takes effect, so a sink never loses data
// that was already accepted.
func (b *Buffer) Recv(ctx context.Context) (event.EventArray, error) {
	select {
	case arr := <-b.ch:
		b.metrics.depth.Set(float64(len(b.ch)))
		return arr, nil
	default:
	}

	select {
	case arr := <-b.ch:
		b.metrics.depth.Set(float64(len(b.ch)))
		return arr, nil
	case <-b.closeCh:
		select {
		case arr := <-b.ch:
			b.metrics.depth.Set(float64(len(b.ch)))
			return arr, nil
		default:
			return event.EventArray{}, buffer.ErrClosed
		}
	case <-ctx.Done():
		return event.EventArray{}, ctx.Err()
	}
}

// Ack is a no-op: the in-memory buffer has no segment files to reap.
func (b *Buffer) Ack(n uint64) error { return nil }

// Close marks the buffer closed so blocked/future Send and drained Recv
// calls observe ErrClosed. It does not close the underlying channel,
// since a concurrent Send could otherwise race a send-on-closed-channel
// panic; closeCh is the sole close signal.
func (b *Buffer) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	return nil
}
