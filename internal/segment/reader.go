package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxgate/agent/internal/record"
)

// ErrEndOfStream is returned by Reader.Next when the writer is closed, the
// live buffer is empty, and there is nothing left to read (spec §4.4's
// "None" return).
var ErrEndOfStream = errors.New("segment: end of stream")

// ReaderLedger is the subset of *ledger.Ledger the segment reader depends
// on.
type ReaderLedger interface {
	CurrentReaderSeg() uint64
	CurrentWriterSeg() uint64
	IncrementReaderSeg() uint64
	IncrementAckReaderSeg() uint64
	SetLastReadID(id uint64)
	LastReadID() uint64
	TotalBytes() uint64
	WaitForWriter(ctx context.Context) error
}

// WriterHandle is the writer-done signal the reader needs to distinguish
// "nothing more has been written yet" from "the buffer is permanently
// drained."
type WriterHandle interface {
	Done() bool
}

type readerMetrics struct {
	recordsRead  prometheus.Counter
	bytesRead    prometheus.Counter
	corruptions  *prometheus.CounterVec
	gapRecords   prometheus.Counter
}

func newReaderMetrics(reg prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		recordsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_reader_records_read_total",
			Help: "Records successfully decoded by the reader.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_reader_bytes_read_total",
			Help: "Archive bytes (excluding length delimiter) read by the reader.",
		}),
		corruptions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_reader_corruptions_total",
			Help: "Non-fatal reader errors, labeled by kind.",
		}, []string{"kind"}),
		gapRecords: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_reader_gap_records_total",
			Help: "Records that could not be delivered due to a detected ID gap.",
		}),
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderLogger sets the logger used for corruption/roll messages.
func WithReaderLogger(l log.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// WithReaderMetrics sets the prometheus registerer for reader metrics.
func WithReaderMetrics(reg prometheus.Registerer) ReaderOption {
	return func(r *Reader) { r.metrics = newReaderMetrics(reg) }
}

// WithAccept sets the metadata acceptance predicate (spec §4.1's
// IncompatibleMetadata check).
func WithAccept(fn record.MetadataFn) ReaderOption {
	return func(r *Reader) { r.accept = fn }
}

// WithOnPendingDeletion registers a callback fired every time the reader
// rolls off a sealed segment, handing the acknowledger the bookkeeping it
// needs to eventually delete that segment's file (spec §4.4/§4.5).
func WithOnPendingDeletion(fn func(PendingDeletion)) ReaderOption {
	return func(r *Reader) { r.onPendingDeletion = fn }
}

// WithOnCorruption registers a callback fired for every non-fatal
// corruption/gap event the reader detects.
func WithOnCorruption(fn func(Corruption)) ReaderOption {
	return func(r *Reader) { r.onCorruption = fn }
}

// Reader streams records in record-ID order across a buffer's segment
// files (spec §4.4).
type Reader struct {
	mu sync.Mutex

	dir    string
	led    ReaderLedger
	writer WriterHandle
	accept record.MetadataFn

	f                  *os.File
	segID              uint64
	offset             int64
	bytesReadInSegment uint64

	haveLast   bool
	lastReadID uint64

	onPendingDeletion func(PendingDeletion)
	onCorruption      func(Corruption)

	logger  log.Logger
	metrics *readerMetrics
}

// NewReader constructs a Reader for dir, positioned at the ledger's current
// (unacknowledged) reader segment.
func NewReader(dir string, led ReaderLedger, writer WriterHandle, opts ...ReaderOption) *Reader {
	r := &Reader{
		dir:     dir,
		led:     led,
		writer:  writer,
		logger:  log.NewNopLogger(),
		metrics: newReaderMetrics(nil),
	}
	for _, o := range opts {
		o(r)
	}
	if r.haveLast0() {
		r.lastReadID = led.LastReadID()
		r.haveLast = true
	}
	return r
}

// haveLast0 reports whether the ledger already has a last-read-id recorded
// from a previous process (used to seed gap detection across restarts).
func (r *Reader) haveLast0() bool {
	return r.led.LastReadID() > 0 || r.led.CurrentReaderSeg() > 0
}

// Next returns the next record in ID order, or ErrEndOfStream once the
// writer is closed and the buffer is fully drained. Other returned errors
// (ErrPartialWrite, record.ErrBadFormat, record.ErrBadChecksum,
// record.ErrIncompatibleMetadata) are non-fatal: the caller should call
// Next again.
func (r *Reader) Next(ctx context.Context) (record.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if err := r.ensureOpenLocked(ctx); err != nil {
			return record.Record{}, err
		}

		isWriterSeg := r.segID == r.led.CurrentWriterSeg()

		lenBuf := make([]byte, 8)
		n, err := r.f.ReadAt(lenBuf, r.offset)
		if n < 8 {
			if isWriterSeg {
				if n == 0 && errors.Is(err, io.EOF) && r.writer.Done() && r.led.TotalBytes() == 0 {
					return record.Record{}, ErrEndOfStream
				}
				if werr := r.led.WaitForWriter(ctx); werr != nil {
					return record.Record{}, werr
				}
				continue
			}
			// Sealed segment with dangling bytes that can't even form a
			// length prefix.
			perr := fmt.Errorf("%w: %d dangling bytes at end of segment %d", ErrPartialWrite, n, r.segID)
			r.emitCorruption(Corruption{SegmentID: r.segID, Kind: CorruptPartialWrite, Err: perr})
			if rerr := r.rollLocked(); rerr != nil {
				return record.Record{}, rerr
			}
			return record.Record{}, perr
		}

		length, lerr := record.DecodeLength(lenBuf)
		if lerr != nil {
			r.emitCorruption(Corruption{SegmentID: r.segID, Kind: CorruptBadFrame, Err: lerr})
			if rerr := r.rollLocked(); rerr != nil {
				return record.Record{}, rerr
			}
			return record.Record{}, lerr
		}

		archive := make([]byte, length)
		an, aerr := r.f.ReadAt(archive, r.offset+8)
		if an < length {
			if isWriterSeg {
				if werr := r.led.WaitForWriter(ctx); werr != nil {
					return record.Record{}, werr
				}
				continue
			}
			perr := fmt.Errorf("%w: truncated record in segment %d (%d of %d bytes)", ErrPartialWrite, r.segID, an, length)
			r.emitCorruption(Corruption{SegmentID: r.segID, Kind: CorruptPartialWrite, Err: perr})
			if rerr := r.rollLocked(); rerr != nil {
				return record.Record{}, rerr
			}
			return record.Record{}, perr
		}
		_ = aerr

		rec, derr := record.Decode(archive, r.accept)
		if derr != nil {
			if errors.Is(derr, record.ErrIncompatibleMetadata) {
				// Non-fatal, does not roll: the caller may be upgraded to
				// handle it later (spec §4.4 rule 4).
				r.advanceOffsetLocked(length)
				return record.Record{}, derr
			}
			r.emitCorruption(Corruption{SegmentID: r.segID, Kind: CorruptBadFrame, Err: derr})
			if rerr := r.rollLocked(); rerr != nil {
				return record.Record{}, rerr
			}
			return record.Record{}, derr
		}

		r.advanceOffsetLocked(length)
		r.reportGapLocked(rec.ID)
		r.lastReadID = rec.ID
		r.haveLast = true
		r.led.SetLastReadID(rec.ID)
		r.metrics.recordsRead.Inc()
		r.metrics.bytesRead.Add(float64(length))

		return rec, nil
	}
}

func (r *Reader) advanceOffsetLocked(archiveLen int) {
	r.offset += 8 + int64(archiveLen)
	r.bytesReadInSegment += uint64(8 + archiveLen)
}

func (r *Reader) reportGapLocked(id uint64) {
	if !r.haveLast {
		return
	}
	if id <= r.lastReadID {
		return
	}
	delta := id - r.lastReadID
	if delta > 1 {
		gap := delta - 1
		r.metrics.gapRecords.Add(float64(gap))
		r.emitCorruption(Corruption{SegmentID: r.segID, Kind: CorruptGap, GapSize: gap})
	}
}

// ensureOpenLocked makes sure r.f points at the ledger's current reader
// segment, opening it lazily and suspending on the writer wake channel when
// the segment doesn't exist yet (spec §4.4 step 1).
func (r *Reader) ensureOpenLocked(ctx context.Context) error {
	if r.f != nil {
		return nil
	}

	for {
		segID := r.led.CurrentReaderSeg()
		f, err := os.Open(Path(r.dir, segID))
		if err == nil {
			r.f = f
			r.segID = segID
			r.offset = 0
			r.bytesReadInSegment = 0
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("segment: open reader segment %d: %w", segID, err)
		}

		writerSeg := r.led.CurrentWriterSeg()
		if segID >= writerSeg {
			// The reader is caught up to (or, after rolling off a
			// sentinel-terminated segment, briefly ahead of) the writer's
			// current segment counter. Either way the file the reader
			// wants doesn't exist yet because the writer hasn't produced
			// it; wait for the writer rather than guessing forward, since
			// file names are assigned from the writer's own counter and
			// bumping the reader's pointer here would desynchronize the
			// two.
			if r.writer.Done() && r.led.TotalBytes() == 0 {
				return ErrEndOfStream
			}
			if werr := r.led.WaitForWriter(ctx); werr != nil {
				return werr
			}
			continue
		}

		// reader_seg < writer_seg but the file is missing: it was already
		// consumed and deleted in a prior life of this process. Self-heal
		// by catching both pointers up and trying the next segment.
		level.Info(r.logger).Log("msg", "reader segment file missing, advancing", "segment", segID)
		r.led.IncrementReaderSeg()
		r.led.IncrementAckReaderSeg()
	}
}

// rollLocked seals the current read position on a sealed segment: records
// a pending-deletion marker, advances the ledger's reader segment pointer,
// and resets local bookkeeping (spec §4.4's "rolling to next segment").
func (r *Reader) rollLocked() error {
	var fileBytes uint64
	if fi, err := r.f.Stat(); err == nil {
		fileBytes = uint64(fi.Size())
	}
	pd := PendingDeletion{
		SegmentID:     r.segID,
		HighestRecord: r.lastReadID,
		BytesRead:     r.bytesReadInSegment,
		FileBytes:     fileBytes,
		Path:          r.f.Name(),
	}

	if err := r.f.Close(); err != nil {
		return fmt.Errorf("segment: close on roll: %w", err)
	}
	r.f = nil

	r.emitPendingDeletion(pd)
	r.led.IncrementReaderSeg()
	r.bytesReadInSegment = 0
	r.offset = 0
	return nil
}

func (r *Reader) emitPendingDeletion(pd PendingDeletion) {
	if r.onPendingDeletion != nil {
		r.onPendingDeletion(pd)
	}
}

func (r *Reader) emitCorruption(c Corruption) {
	r.metrics.corruptions.WithLabelValues(c.Kind.String()).Inc()
	level.Warn(r.logger).Log("msg", "segment corruption detected", "kind", c.Kind.String(), "segment", c.SegmentID, "err", c.Err)
	if r.onCorruption != nil {
		r.onCorruption(c)
	}
}

// Close releases the reader's open file handle, if any.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
