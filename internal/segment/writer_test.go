package segment

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/record"
)

// fakeLedger is a minimal in-memory stand-in for *ledger.Ledger, scoped to
// what the writer (and, in reader_test.go, the reader) needs.
type fakeLedger struct {
	mu sync.Mutex

	writerSeg    uint64
	readerSeg    uint64
	ackReaderSeg uint64
	nextID       uint64
	lastReadID   uint64
	totalBytes   uint64

	writerWake chan struct{}
	readerWake chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		writerWake: make(chan struct{}),
		readerWake: make(chan struct{}),
	}
}

func (l *fakeLedger) AllocateRecordID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}
func (l *fakeLedger) NextRecordID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}
func (l *fakeLedger) SetNextRecordID(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID = id
}
func (l *fakeLedger) AdvanceRecordID(delta uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID += delta
}
func (l *fakeLedger) CurrentWriterSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writerSeg
}
func (l *fakeLedger) IncrementWriterSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writerSeg++
	return l.writerSeg
}
func (l *fakeLedger) CurrentReaderSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readerSeg
}
func (l *fakeLedger) IncrementReaderSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readerSeg++
	return l.readerSeg
}
func (l *fakeLedger) IncrementAckReaderSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ackReaderSeg++
	return l.ackReaderSeg
}
func (l *fakeLedger) SetLastReadID(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastReadID = id
}
func (l *fakeLedger) LastReadID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReadID
}
func (l *fakeLedger) IncBytes(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalBytes += n
}
func (l *fakeLedger) DecBytes(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.totalBytes {
		l.totalBytes = 0
		return
	}
	l.totalBytes -= n
}
func (l *fakeLedger) TotalBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBytes
}
func (l *fakeLedger) Flush() error { return nil }

func (l *fakeLedger) WaitForReader(ctx context.Context) error {
	l.mu.Lock()
	ch := l.writerWake
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (l *fakeLedger) WaitForWriter(ctx context.Context) error {
	l.mu.Lock()
	ch := l.readerWake
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (l *fakeLedger) SignalReader() {
	l.mu.Lock()
	old := l.readerWake
	l.readerWake = make(chan struct{})
	l.mu.Unlock()
	close(old)
}
func (l *fakeLedger) SignalWriter() {
	l.mu.Lock()
	old := l.writerWake
	l.writerWake = make(chan struct{})
	l.mu.Unlock()
	close(old)
}

func TestWriterWritesAndRolls(t *testing.T) {
	dir := t.TempDir()
	led := newFakeLedger()

	w, err := Open(dir, led, WithMaxSegmentBytes(int64(record.FrameLen(4))), WithWriterMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	_, err = w.Write(ctx, []byte("ab"), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), w.CurrentSegment())

	// Second record exceeds the tiny segment cap, forcing a roll before it
	// is written.
	_, err = w.Write(ctx, []byte("cdef"), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), w.CurrentSegment())

	require.FileExists(t, Path(dir, 0))
	require.FileExists(t, Path(dir, 1))
}

func TestWriterAcceptsEmptyPayload(t *testing.T) {
	// An empty payload still frames to a non-zero length delimiter (the
	// header alone is 16 bytes), so it's a legitimate record, not the
	// zero-length sentinel case.
	dir := t.TempDir()
	led := newFakeLedger()
	w, err := Open(dir, led)
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Write(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, record.FrameLen(0), n)
}

func TestWriterRecoversCorruptTailBySkipping(t *testing.T) {
	dir := t.TempDir()

	// Hand-craft a segment 0 with one valid record followed by garbage
	// trailing bytes that can't decode as a frame.
	f, err := os.OpenFile(Path(dir, 0), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	frame := record.Encode([]byte("x"), 0, 0)
	_, err = f.Write(frame)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	led := newFakeLedger()
	led.nextID = 1 // matches the one valid record already on disk

	w, err := Open(dir, led)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write(context.Background(), []byte("y"), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), w.CurrentSegment(), "corrupt tail should force a roll to a fresh segment")
}

func TestWriterRecoversCounterBehind(t *testing.T) {
	dir := t.TempDir()

	f, err := os.OpenFile(Path(dir, 0), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(record.Encode([]byte("x"), 5, 0))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	led := newFakeLedger()
	led.nextID = 0 // ledger lost the increment that produced record 5

	w, err := Open(dir, led)
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, uint64(6), led.NextRecordID())
}

func TestWriteBlocksOnCapacityUntilSignalled(t *testing.T) {
	dir := t.TempDir()
	led := newFakeLedger()
	led.totalBytes = 1000

	w, err := Open(dir, led, WithMaxTotalBytes(10))
	require.NoError(t, err)
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(context.Background(), []byte("hi"), 0)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write should have blocked on capacity")
	case <-time.After(50 * time.Millisecond):
	}

	led.mu.Lock()
	led.totalBytes = 0
	led.mu.Unlock()
	led.SignalWriter()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never unblocked after capacity freed")
	}
}
