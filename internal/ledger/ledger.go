// Package ledger implements the durable buffer's small persistent metadata
// file: segment IDs, the monotonic record-ID counter, the live-byte
// counter, and the writer/reader wake channels that let the segment
// writer and reader coordinate without polling.
//
// The persisted image lives in a single bbolt bucket so that Flush is an
// atomic, fsync'd transaction over every counter.
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
)

const (
	fileName   = "ledger.db"
	bucketName = "ledger"
)

// Keys within the ledger bucket. Values are stored as big-endian uint64s.
var (
	keyWriterSeg    = []byte("writer_seg")
	keyReaderSeg    = []byte("reader_seg")
	keyAckReaderSeg = []byte("ack_reader_seg")
	keyNextRecordID = []byte("next_record_id")
	keyLastReadID   = []byte("last_read_id")
	keyLastAckedID  = []byte("last_acked_id")
	keyTotalBytes   = []byte("total_bytes")
)

// Persisted is the durable snapshot of ledger state, both what is loaded on
// Open and what Flush writes back.
type Persisted struct {
	WriterSeg    uint64
	ReaderSeg    uint64
	AckReaderSeg uint64
	NextRecordID uint64
	LastReadID   uint64
	LastAckedID  uint64
	TotalBytes   uint64
}

type metrics struct {
	totalBytes   prometheus.Gauge
	flushes      prometheus.Counter
	writerWakes  prometheus.Counter
	readerWakes  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		totalBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "buffer_ledger_total_bytes",
			Help: "Live bytes currently accounted for by the buffer ledger.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ledger_flushes_total",
			Help: "Number of times the ledger was durably flushed.",
		}),
		writerWakes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ledger_writer_wakes_total",
			Help: "Number of times the reader signalled the writer.",
		}),
		readerWakes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "buffer_ledger_reader_wakes_total",
			Help: "Number of times the writer signalled the reader.",
		}),
	}
}

// Ledger is the durable buffer's metadata file. Counter fields are accessed
// atomically; the on-disk image is guarded by mu, held only across a flush —
// atomics for hot counters, a single mutex around the rare durable commit.
type Ledger struct {
	db *bolt.DB
	mu sync.Mutex

	writerSeg    atomic.Uint64
	readerSeg    atomic.Uint64
	ackReaderSeg atomic.Uint64
	nextRecordID atomic.Uint64
	lastReadID   atomic.Uint64
	lastAckedID  atomic.Uint64
	totalBytes   atomic.Uint64

	// wake channel pair: closing-and-replacing a channel under wakeMu is the
	// classic broadcast idiom, used here instead of sync.Cond so waiters can
	// also select on a context's Done channel.
	wakeMu     sync.Mutex
	writerWake chan struct{}
	readerWake chan struct{}

	metrics *metrics
	logger  log.Logger
}

// Open loads (or creates) the ledger file in dir.
func Open(dir string, reg prometheus.Registerer, logger log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	db, err := bolt.Open(filepath.Join(dir, fileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	l := &Ledger{
		db:         db,
		writerWake: make(chan struct{}),
		readerWake: make(chan struct{}),
		metrics:    newMetrics(reg),
		logger:     logger,
	}

	persisted, err := l.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	l.writerSeg.Store(persisted.WriterSeg)
	l.readerSeg.Store(persisted.ReaderSeg)
	l.ackReaderSeg.Store(persisted.AckReaderSeg)
	l.nextRecordID.Store(persisted.NextRecordID)
	l.lastReadID.Store(persisted.LastReadID)
	l.lastAckedID.Store(persisted.LastAckedID)
	l.totalBytes.Store(persisted.TotalBytes)
	l.metrics.totalBytes.Set(float64(persisted.TotalBytes))

	return l, nil
}

func (l *Ledger) load() (Persisted, error) {
	var p Persisted
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		p.WriterSeg = readUint64(b, keyWriterSeg)
		p.ReaderSeg = readUint64(b, keyReaderSeg)
		p.AckReaderSeg = readUint64(b, keyAckReaderSeg)
		p.NextRecordID = readUint64(b, keyNextRecordID)
		p.LastReadID = readUint64(b, keyLastReadID)
		p.LastAckedID = readUint64(b, keyLastAckedID)
		p.TotalBytes = readUint64(b, keyTotalBytes)
		return nil
	})
	return p, err
}

func readUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeUint64(b *bolt.Bucket, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.Put(key, buf[:])
}

// Flush durably persists the full ledger image (spec §4.2: "flush is total,
// fsync the ledger file"). bbolt's Update commits and syncs the file before
// returning, so a single transaction gives us that for free.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := Persisted{
		WriterSeg:    l.writerSeg.Load(),
		ReaderSeg:    l.readerSeg.Load(),
		AckReaderSeg: l.ackReaderSeg.Load(),
		NextRecordID: l.nextRecordID.Load(),
		LastReadID:   l.lastReadID.Load(),
		LastAckedID:  l.lastAckedID.Load(),
		TotalBytes:   l.totalBytes.Load(),
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if err := writeUint64(b, keyWriterSeg, snapshot.WriterSeg); err != nil {
			return err
		}
		if err := writeUint64(b, keyReaderSeg, snapshot.ReaderSeg); err != nil {
			return err
		}
		if err := writeUint64(b, keyAckReaderSeg, snapshot.AckReaderSeg); err != nil {
			return err
		}
		if err := writeUint64(b, keyNextRecordID, snapshot.NextRecordID); err != nil {
			return err
		}
		if err := writeUint64(b, keyLastReadID, snapshot.LastReadID); err != nil {
			return err
		}
		if err := writeUint64(b, keyLastAckedID, snapshot.LastAckedID); err != nil {
			return err
		}
		return writeUint64(b, keyTotalBytes, snapshot.TotalBytes)
	})
	if err != nil {
		level.Error(l.logger).Log("msg", "ledger flush failed", "err", err)
		return fmt.Errorf("ledger: flush: %w", err)
	}
	l.metrics.flushes.Inc()
	return nil
}

// Close flushes and closes the underlying bbolt database.
func (l *Ledger) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}

// --- record ID allocation ---

// NextRecordID returns the next record ID that would be assigned without
// allocating it.
func (l *Ledger) NextRecordID() uint64 { return l.nextRecordID.Load() }

// AllocateRecordID atomically assigns and returns the next record ID,
// advancing the counter by one.
func (l *Ledger) AllocateRecordID() uint64 {
	return l.nextRecordID.Add(1) - 1
}

// AdvanceRecordID advances the next-record-ID counter by delta without
// individually allocating each ID (used by recovery when the writer
// discovers unassigned IDs on disk, spec §4.3).
func (l *Ledger) AdvanceRecordID(delta uint64) {
	l.nextRecordID.Add(delta)
}

// SetNextRecordID forcibly sets the next record ID counter; used during
// writer startup recovery (spec §4.3's "flushed but not incremented" case).
func (l *Ledger) SetNextRecordID(id uint64) {
	l.nextRecordID.Store(id)
}

// LastReadID / SetLastReadID track the last record ID the reader delivered.
func (l *Ledger) LastReadID() uint64        { return l.lastReadID.Load() }
func (l *Ledger) SetLastReadID(id uint64)   { l.lastReadID.Store(id) }

// LastAckedID / SetLastAckedID track the last acknowledged record ID.
func (l *Ledger) LastAckedID() uint64      { return l.lastAckedID.Load() }
func (l *Ledger) SetLastAckedID(id uint64) { l.lastAckedID.Store(id) }

// --- segment ID tracking ---

func (l *Ledger) CurrentWriterSeg() uint64    { return l.writerSeg.Load() }
func (l *Ledger) CurrentReaderSeg() uint64    { return l.readerSeg.Load() }
func (l *Ledger) AckReaderSeg() uint64        { return l.ackReaderSeg.Load() }

func (l *Ledger) IncrementWriterSeg() uint64    { return l.writerSeg.Add(1) }
func (l *Ledger) IncrementReaderSeg() uint64    { return l.readerSeg.Add(1) }
func (l *Ledger) IncrementAckReaderSeg() uint64 { return l.ackReaderSeg.Add(1) }

// --- byte accounting (saturating) ---

func (l *Ledger) TotalBytes() uint64 { return l.totalBytes.Load() }

// IncBytes adds n to the live byte counter.
func (l *Ledger) IncBytes(n uint64) {
	v := l.totalBytes.Add(n)
	l.metrics.totalBytes.Set(float64(v))
}

// DecBytes subtracts n from the live byte counter, saturating at zero
// rather than wrapping, per spec §4.2.
func (l *Ledger) DecBytes(n uint64) {
	for {
		cur := l.totalBytes.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if l.totalBytes.CompareAndSwap(cur, next) {
			l.metrics.totalBytes.Set(float64(next))
			return
		}
	}
}

// --- wake channels ---

// WaitForWriter suspends the caller (the reader) until the writer signals
// via SignalReader, or ctx is done.
func (l *Ledger) WaitForWriter(ctx context.Context) error {
	l.wakeMu.Lock()
	ch := l.readerWake
	l.wakeMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForReader suspends the caller (the writer) until the reader signals
// via SignalWriter, or ctx is done.
func (l *Ledger) WaitForReader(ctx context.Context) error {
	l.wakeMu.Lock()
	ch := l.writerWake
	l.wakeMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalReader wakes any goroutine blocked in WaitForWriter. Called by the
// writer after it appends data the reader may be waiting for.
func (l *Ledger) SignalReader() {
	l.wakeMu.Lock()
	old := l.readerWake
	l.readerWake = make(chan struct{})
	l.wakeMu.Unlock()
	close(old)
	l.metrics.readerWakes.Inc()
}

// SignalWriter wakes any goroutine blocked in WaitForReader. Called by the
// reader/acknowledger after it frees capacity the writer may be waiting on.
func (l *Ledger) SignalWriter() {
	l.wakeMu.Lock()
	old := l.writerWake
	l.writerWake = make(chan struct{})
	l.wakeMu.Unlock()
	close(old)
	l.metrics.writerWakes.Inc()
}
