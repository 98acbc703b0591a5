// Package diskbuffer assembles the ledger, segment writer/reader, and
// acknowledger into the durable, disk-backed implementation of
// buffer.Buffer, recovering cleanly from every crash scenario described
// for the durable buffer (truncated tail, scrambled checksum, ID counter
// drift, corrupted length prefix).
package diskbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxgate/agent/internal/ack"
	"github.com/fluxgate/agent/internal/buffer"
	"github.com/fluxgate/agent/internal/event"
	"github.com/fluxgate/agent/internal/ledger"
	"github.com/fluxgate/agent/internal/record"
	"github.com/fluxgate/agent/internal/segment"
)

// formatVersion is the metadata value every record this buffer writes
// carries; the reader's KnownBits(formatVersion) check rejects any larger
// value, satisfying spec §4.1's IncompatibleMetadata
// path for forward-incompatible archives.
const formatVersion uint32 = 1

// Options configures a disk buffer instance.
type Options struct {
	MaxSegmentBytes int64
	MaxTotalBytes   uint64
	FlushInterval   time.Duration
	Logger          log.Logger
	Registerer      prometheus.Registerer
}

// Buffer is the disk-backed implementation of buffer.Buffer (spec §3-4.5).
type Buffer struct {
	dir string

	led    *ledger.Ledger
	writer *segment.Writer
	reader *segment.Reader
	acker  *ack.Acknowledger

	oa *orderedAck

	mu         sync.Mutex
	closed     bool
	haveLastID bool
	lastID     uint64
	logger     log.Logger
}

var _ buffer.Buffer = (*Buffer)(nil)

// Open opens (or creates) a disk buffer rooted at dir, running startup
// recovery against any partially-written tail left by a prior crash.
func Open(dir string, opts Options) (*Buffer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	reg := opts.Registerer

	led, err := ledger.Open(dir, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("diskbuffer: open ledger: %w", err)
	}

	acker := ack.New(led, ack.WithLogger(logger), ack.WithMetrics(reg), ack.WithFlushInterval(opts.FlushInterval))

	writerOpts := []segment.WriterOption{
		segment.WithWriterLogger(logger),
		segment.WithWriterMetrics(reg),
	}
	if opts.MaxSegmentBytes > 0 {
		writerOpts = append(writerOpts, segment.WithMaxSegmentBytes(opts.MaxSegmentBytes))
	}
	if opts.MaxTotalBytes > 0 {
		writerOpts = append(writerOpts, segment.WithMaxTotalBytes(opts.MaxTotalBytes))
	}

	writer, err := segment.Open(dir, led, writerOpts...)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("diskbuffer: open writer: %w", err)
	}

	b := &Buffer{dir: dir, led: led, writer: writer, acker: acker, logger: logger}
	b.oa = newOrderedAck(func(n uint64) {
		if err := acker.Ack(n); err != nil {
			level.Error(logger).Log("msg", "ack failed", "err", err)
		}
	})

	reader := segment.NewReader(dir, led, writer,
		segment.WithReaderLogger(logger),
		segment.WithReaderMetrics(reg),
		segment.WithAccept(record.KnownBits(formatVersion)),
		segment.WithOnPendingDeletion(acker.NotePendingDeletion),
		segment.WithOnCorruption(func(c segment.Corruption) {
			level.Warn(logger).Log("msg", "buffer corruption", "kind", c.Kind.String(), "segment", c.SegmentID, "err", c.Err)
		}),
	)
	b.reader = reader

	return b, nil
}

// Send encodes each event in arr as a separate record and appends them to
// the writer segment, preserving relative order. A batch's BatchNotifier
// reference is owned by the caller for the duration of this call; Send
// does not itself retain or release references.
func (b *Buffer) Send(ctx context.Context, arr event.EventArray) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return buffer.ErrClosed
	}

	for _, e := range arr.Events {
		payload, err := encodeEvent(e.Payload(), e.Fields())
		if err != nil {
			return err
		}
		if _, err := b.writer.Write(ctx, payload, formatVersion); err != nil {
			return fmt.Errorf("diskbuffer: send: %w", err)
		}
	}
	return nil
}

// Recv returns the next record as a single-event EventArray. Non-fatal
// reader errors (corruption, partial writes, incompatible metadata) are
// logged and skipped transparently; callers only see buffer.ErrClosed or
// a context error.
func (b *Buffer) Recv(ctx context.Context) (event.EventArray, error) {
	for {
		rec, err := b.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, segment.ErrEndOfStream) {
				return event.EventArray{}, buffer.ErrClosed
			}
			if ctx.Err() != nil {
				return event.EventArray{}, ctx.Err()
			}
			// Non-fatal: record.ErrBadFormat, record.ErrBadChecksum,
			// record.ErrIncompatibleMetadata, segment.ErrPartialWrite.
			// The reader has already logged/counted it and, where
			// applicable, rolled past it; retry for the next record.
			continue
		}

		b.mu.Lock()
		if b.haveLastID && rec.ID > b.lastID+1 {
			gap := rec.ID - b.lastID - 1
			b.oa.skip(b.lastID+1, gap)
		}
		b.lastID = rec.ID
		b.haveLastID = true
		b.mu.Unlock()

		payload, fields, derr := decodeEvent(rec.Payload)
		if derr != nil {
			level.Error(b.logger).Log("msg", "corrupt transport payload past checksum validation", "err", derr)
			b.oa.complete(rec.ID)
			continue
		}

		seq := rec.ID
		notifier := event.NewBatchNotifier(1, func(id string, status event.Status) {
			b.oa.complete(seq)
		})
		ev := event.New(payload, fields, notifier)
		return event.EventArray{Events: []event.Event{ev}, Notifier: notifier}, nil
	}
}

// Ack acknowledges n additional records as durably processed downstream.
// Most callers should instead rely on the per-Event BatchNotifier
// finalization path driven by Recv; Ack is exposed directly for
// consumers that track completion out-of-band (e.g. tests, or a sink
// adapter that batches its own acks).
func (b *Buffer) Ack(n uint64) error {
	return b.acker.Ack(n)
}

// Flush fsyncs the writer's current segment and the ledger.
func (b *Buffer) Flush() error {
	return b.writer.Flush()
}

// Close closes the writer (sealing the current segment with the
// clean-close sentinel), the reader, and flushes the acknowledger and
// ledger.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	note(b.writer.Close())
	note(b.reader.Close())
	note(b.acker.Close())
	note(b.led.Close())
	return firstErr
}
