package segment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxgate/agent/internal/record"
)

// maxWriteRetries caps the transient-I/O retry loop in writeWithRetry
// (spec §7 "I/O — transient: per-operation retry with exponential backoff
// and a cap; does not escalate").
const maxWriteRetries = 5

// WriterState is the writer's state machine position (spec §4.3:
// Idle → Writing → [Rolling → Writing]* → Closed).
type WriterState int

const (
	StateIdle WriterState = iota
	StateWriting
	StateRolling
	StateClosed
)

// WriterLedger is the subset of *ledger.Ledger the segment writer depends
// on, isolated so it can be faked in tests.
type WriterLedger interface {
	IDAllocator
	CurrentWriterSeg() uint64
	IncrementWriterSeg() uint64
	IncBytes(n uint64)
	TotalBytes() uint64
	WaitForReader(ctx context.Context) error
	SignalReader()
	Flush() error
}

type writerMetrics struct {
	bytesWritten   prometheus.Counter
	recordsWritten prometheus.Counter
	rotations      prometheus.Counter
	recoveries     *prometheus.CounterVec
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_writer_bytes_written_total",
			Help: "Framed bytes appended to segment files.",
		}),
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_writer_records_written_total",
			Help: "Records appended to segment files.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_writer_segment_rotations_total",
			Help: "Number of times the writer rolled to a new segment.",
		}),
		recoveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_writer_recoveries_total",
			Help: "Startup recovery outcomes, labeled by kind.",
		}, []string{"kind"}),
	}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMaxSegmentBytes sets the size cap that triggers a roll.
func WithMaxSegmentBytes(n int64) WriterOption {
	return func(w *Writer) { w.maxSegmentBytes = n }
}

// WithMaxTotalBytes sets the live-byte cap the writer blocks on.
func WithMaxTotalBytes(n uint64) WriterOption {
	return func(w *Writer) { w.maxTotalBytes = n }
}

// WithWriterLogger sets the logger used for recovery/rotation messages.
func WithWriterLogger(l log.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithWriterMetrics sets the prometheus registerer for writer metrics.
func WithWriterMetrics(reg prometheus.Registerer) WriterOption {
	return func(w *Writer) { w.metrics = newWriterMetrics(reg) }
}

// Writer appends records to the current writer segment, rolling to a new
// segment when the size cap is reached, and recovers from a corrupted or
// under-counted tail on startup (spec §4.3).
type Writer struct {
	mu sync.Mutex

	dir   string
	led   WriterLedger
	state WriterState

	maxSegmentBytes int64
	maxTotalBytes   uint64

	f              *os.File
	segID          uint64
	bytesInSegment int64

	// skipToNewSegment is set by recoverTail when the current writer
	// segment's tail is unusable; the next Write rolls to a fresh segment
	// before writing anything, per spec §4.3's mark-for-skip path.
	skipToNewSegment bool
	recoveredBytes   int64

	logger  log.Logger
	metrics *writerMetrics
}

// Open prepares a Writer for dir, running startup tail recovery against the
// ledger's current writer segment. It does not open any file descriptor
// until the first Write (Idle state).
func Open(dir string, led WriterLedger, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		dir:             dir,
		led:             led,
		state:           StateIdle,
		maxSegmentBytes: record.FrameLen(64 * 1024 * 1024),
		logger:          log.NewNopLogger(),
		metrics:         newWriterMetrics(nil),
	}
	for _, o := range opts {
		o(w)
	}

	w.segID = led.CurrentWriterSeg()
	if err := w.recoverTail(); err != nil {
		return nil, fmt.Errorf("segment: writer recovery: %w", err)
	}
	return w, nil
}

func (w *Writer) recoverTail() error {
	scan, err := scanFile(Path(w.dir, w.segID))
	if err != nil {
		return err
	}
	if !scan.hasRecord {
		if scan.corruptTail || scan.hitZeroDelimiter {
			// No valid record precedes the unusable tail; never append past it.
			level.Info(w.logger).Log("msg", "writer segment holds no valid record before an unusable tail, will skip to a new segment", "segment", w.segID)
			w.metrics.recoveries.WithLabelValues("corrupt_tail").Inc()
			w.skipToNewSegment = true
		}
		return nil
	}

	if scan.corruptTail {
		level.Info(w.logger).Log("msg", "writer segment tail is corrupt, will skip to a new segment", "segment", w.segID)
		w.metrics.recoveries.WithLabelValues("corrupt_tail").Inc()
		w.skipToNewSegment = true
		return nil
	}

	lastID := scan.lastGoodID
	nextID := w.led.NextRecordID()

	switch {
	case nextID <= lastID:
		// Flushed but not incremented: the record landed on disk but the
		// ledger's counter lags it. Repair the counter regardless of
		// whether we go on to skip this segment, since the next segment's
		// allocations must not collide with IDs already on disk here.
		level.Info(w.logger).Log("msg", "ledger record counter behind disk, repairing", "last_on_disk", lastID, "ledger_next", nextID)
		w.metrics.recoveries.WithLabelValues("counter_behind").Inc()
		w.led.SetNextRecordID(lastID + 1)
	case nextID > lastID+1:
		// The ledger allocated IDs that were never persisted (crash
		// between ID increment and append). Abandon this segment's tail
		// for writing; those IDs simply never appear.
		level.Info(w.logger).Log("msg", "ledger record counter ahead of disk, skipping to new segment", "last_on_disk", lastID, "ledger_next", nextID)
		w.metrics.recoveries.WithLabelValues("counter_ahead").Inc()
		w.skipToNewSegment = true
	}

	if scan.hitZeroDelimiter {
		// The tail already ends with a zero-length delimiter (a prior
		// clean close, or indistinguishable corruption of one). Resuming
		// append-mode writes here would land new frames after that
		// delimiter instead of overwriting it, orphaning it mid-stream,
		// so always roll to a fresh segment regardless of the ID
		// counter's state.
		level.Info(w.logger).Log("msg", "writer segment ends with a zero-length delimiter, rolling to a new segment", "segment", w.segID)
		w.metrics.recoveries.WithLabelValues("sentinel_tail").Inc()
		w.skipToNewSegment = true
	}

	w.recoveredBytes = scan.bytesValid
	return nil
}

// Write frames payload with a fresh record ID and appends it to the current
// writer segment, rolling first if needed. It blocks until capacity is
// available if a max-total-bytes cap is configured and currently exceeded.
func (w *Writer) Write(ctx context.Context, payload []byte, metadata uint32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return 0, fmt.Errorf("segment: writer is closed")
	}

	for w.maxTotalBytes > 0 && w.led.TotalBytes() >= w.maxTotalBytes {
		w.mu.Unlock()
		err := w.led.WaitForReader(ctx)
		w.mu.Lock()
		if err != nil {
			return 0, err
		}
		if w.state == StateClosed {
			return 0, fmt.Errorf("segment: writer is closed")
		}
	}

	if w.state == StateIdle {
		if w.skipToNewSegment {
			if err := w.rollLocked(false); err != nil {
				return 0, err
			}
			w.skipToNewSegment = false
		} else if err := w.openCurrentLocked(); err != nil {
			return 0, err
		}
		w.state = StateWriting
	}

	frameLen := int64(record.FrameLen(len(payload)))
	if w.bytesInSegment > 0 && w.maxSegmentBytes > 0 && w.bytesInSegment+frameLen > w.maxSegmentBytes {
		w.state = StateRolling
		if err := w.rollLocked(true); err != nil {
			return 0, err
		}
		w.state = StateWriting
	}

	id := w.led.AllocateRecordID()
	frame := record.Encode(payload, id, metadata)

	n, err := w.writeWithRetry(frame)
	if err != nil {
		return 0, fmt.Errorf("segment: write: %w", err)
	}

	w.bytesInSegment += int64(n)
	w.led.IncBytes(uint64(n))
	w.metrics.bytesWritten.Add(float64(n))
	w.metrics.recordsWritten.Inc()
	w.led.SignalReader()

	return n, nil
}

// writeWithRetry wraps the raw file write in a bounded exponential backoff
// for transient I/O errors (spec §7 "I/O — transient"), in the style the
// pack's own services use cenkalti/backoff (a fixed retry count, not an
// open-ended one, since a fatal disk error must still surface eventually).
func (w *Writer) writeWithRetry(frame []byte) (int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
	}
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		n, err := w.f.Write(frame)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if attempt < maxWriteRetries {
			time.Sleep(b.NextBackOff())
		}
	}
	return 0, lastErr
}

func (w *Writer) openCurrentLocked() error {
	f, err := os.OpenFile(Path(w.dir, w.segID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("segment: open %d: %w", w.segID, err)
	}
	w.f = f
	w.bytesInSegment = w.recoveredBytes
	return nil
}

// rollLocked seals the current segment (writing the clean-close sentinel
// unless sealOld is false, used when abandoning a corrupted tail), commits
// the new segment to the ledger, and only then opens its file — so a crash
// between the two never leaves a segment file with no matching ledger entry.
func (w *Writer) rollLocked(sealOld bool) error {
	if w.f != nil {
		if sealOld {
			if err := writeSentinel(w.f); err != nil {
				return fmt.Errorf("segment: sentinel: %w", err)
			}
		}
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("segment: sync before roll: %w", err)
		}
		if err := w.f.Close(); err != nil {
			return fmt.Errorf("segment: close before roll: %w", err)
		}
		w.f = nil
	}

	newSeg := w.led.IncrementWriterSeg()
	if err := w.led.Flush(); err != nil {
		return fmt.Errorf("segment: flush ledger on roll: %w", err)
	}

	f, err := os.OpenFile(Path(w.dir, newSeg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create %d: %w", newSeg, err)
	}

	w.segID = newSeg
	w.f = f
	w.bytesInSegment = 0
	w.metrics.rotations.Inc()
	level.Info(w.logger).Log("msg", "rolled to new segment", "segment", newSeg)
	return nil
}

// Flush fsyncs the current segment file and the ledger.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("segment: flush: %w", err)
		}
	}
	return w.led.Flush()
}

// Close flushes, writes the clean-close sentinel, and marks the writer
// done so readers eventually observe end-of-stream.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateClosed {
		return nil
	}
	if w.f != nil {
		if err := writeSentinel(w.f); err != nil {
			return fmt.Errorf("segment: sentinel on close: %w", err)
		}
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("segment: sync on close: %w", err)
		}
		if err := w.f.Close(); err != nil {
			return fmt.Errorf("segment: close: %w", err)
		}
		w.f = nil
	}
	w.state = StateClosed
	return w.led.Flush()
}

// Done reports whether Close has been called.
func (w *Writer) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateClosed
}

// CurrentSegment returns the segment ID currently being written.
func (w *Writer) CurrentSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segID
}
