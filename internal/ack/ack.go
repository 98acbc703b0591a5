// Package ack implements the durable buffer's acknowledger (spec §4.5):
// it turns downstream "n records processed" acks into ledger bookkeeping
// and segment-file deletion, once every record a sealed segment held has
// been durably delivered.
package ack

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxgate/agent/internal/segment"
)

// Ledger is the subset of *ledger.Ledger the acknowledger depends on.
type Ledger interface {
	LastAckedID() uint64
	SetLastAckedID(id uint64)
	DecBytes(n uint64)
	IncrementAckReaderSeg() uint64
	Flush() error
	SignalWriter()
}

type metrics struct {
	acksApplied     prometheus.Counter
	segmentsDeleted prometheus.Counter
	residueBytes    prometheus.Counter
	flushes         prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		acksApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ack_records_acked_total",
			Help: "Records acknowledged by downstream.",
		}),
		segmentsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ack_segments_deleted_total",
			Help: "Segment files deleted after full acknowledgement.",
		}),
		residueBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ack_residue_bytes_total",
			Help: "Bytes reclaimed from skipped/corrupted segment tails.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ack_flushes_total",
			Help: "Ledger flushes performed by the acknowledger.",
		}),
	}
}

// Option configures an Acknowledger.
type Option func(*Acknowledger)

// WithLogger sets the logger used for deletion/flush messages.
func WithLogger(l log.Logger) Option {
	return func(a *Acknowledger) { a.logger = l }
}

// WithMetrics sets the prometheus registerer for acknowledger metrics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(a *Acknowledger) { a.metrics = newMetrics(reg) }
}

// WithFlushInterval sets the periodic flush cadence for acks that don't
// trigger a segment deletion (the "Acknowledgement batching window"
// supplement: acks are cheap and frequent, so every one need not force an
// fsync — only a deletion or the interval does). Zero disables batching:
// every Ack flushes immediately.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Acknowledger) { a.flushInterval = d }
}

// Acknowledger is the durable buffer's acknowledger (spec §4.5).
type Acknowledger struct {
	mu sync.Mutex

	led     Ledger
	pending []segment.PendingDeletion

	flushInterval time.Duration
	lastFlush     time.Time
	dirty         bool

	logger  log.Logger
	metrics *metrics
}

// New constructs an Acknowledger backed by led.
func New(led Ledger, opts ...Option) *Acknowledger {
	a := &Acknowledger{
		led:     led,
		logger:  log.NewNopLogger(),
		metrics: newMetrics(nil),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NotePendingDeletion registers a sealed segment the reader has fully
// consumed; it becomes eligible for file deletion once Ack advances
// last_acked_id to or past its highest record ID (see delivered). Intended as the segment
// reader's WithOnPendingDeletion callback.
func (a *Acknowledger) NotePendingDeletion(pd segment.PendingDeletion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, pd)
}

// Ack applies a downstream "n additional records durably processed"
// acknowledgement (spec §4.5 steps 1-3).
func (a *Acknowledger) Ack(n uint64) error {
	if n == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.led.LastAckedID()
	next := prev + n // wraps naturally on uint64 overflow, matching spec's modulo-2^64 record IDs
	a.led.SetLastAckedID(next)
	a.metrics.acksApplied.Add(float64(n))
	a.dirty = true

	deletedAny, err := a.reapLocked(next, prev)
	if err != nil {
		return err
	}

	if deletedAny {
		a.led.SignalWriter()
		return a.flushLocked()
	}

	return a.maybeFlushLocked()
}

// reapLocked deletes every pending segment whose highest acknowledged
// record now satisfies the wrap-aware "fully delivered" comparison,
// adjusting total_bytes by any residue between the file's actual size and
// the bytes the reader consumed from it (skipped/corrupted tails).
func (a *Acknowledger) reapLocked(lastAcked, prevAcked uint64) (bool, error) {
	var remaining []segment.PendingDeletion
	deletedAny := false

	for _, pd := range a.pending {
		if !delivered(pd.HighestRecord, lastAcked, prevAcked) {
			remaining = append(remaining, pd)
			continue
		}

		if err := os.Remove(pd.Path); err != nil && !os.IsNotExist(err) {
			return deletedAny, fmt.Errorf("ack: delete segment %d: %w", pd.SegmentID, err)
		}

		if pd.FileBytes > pd.BytesRead {
			residue := pd.FileBytes - pd.BytesRead
			a.led.DecBytes(residue)
			a.metrics.residueBytes.Add(float64(residue))
		}

		a.led.IncrementAckReaderSeg()
		a.metrics.segmentsDeleted.Inc()
		level.Info(a.logger).Log("msg", "deleted acknowledged segment", "segment", pd.SegmentID, "path", pd.Path)
		deletedAny = true
	}

	a.pending = remaining
	return deletedAny, nil
}

// delivered reports whether a record with the given highest ID has been
// fully acknowledged, using the wrap-aware comparison from spec §4.5:
// ackID ≥ highestID, OR (ackID ≤ prevAcked AND highestID > prevAcked) to
// account for an ack ID that has wrapped around 2^64 while highestID has
// not yet.
func delivered(highestID, ackID, prevAcked uint64) bool {
	if ackID >= highestID {
		return true
	}
	return ackID <= prevAcked && highestID > prevAcked
}

func (a *Acknowledger) maybeFlushLocked() error {
	if a.flushInterval <= 0 {
		return a.flushLocked()
	}
	if time.Since(a.lastFlush) >= a.flushInterval {
		return a.flushLocked()
	}
	return nil
}

func (a *Acknowledger) flushLocked() error {
	if err := a.led.Flush(); err != nil {
		return fmt.Errorf("ack: flush: %w", err)
	}
	a.metrics.flushes.Inc()
	a.lastFlush = time.Now()
	a.dirty = false
	return nil
}

// Close flushes any pending ledger state unconditionally (spec §4.5 step
// 3: "must flush before returning from close()").
func (a *Acknowledger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return nil
	}
	return a.flushLocked()
}

// PendingCount reports how many sealed segments are awaiting
// acknowledgement, for diagnostics and tests.
func (a *Acknowledger) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
