package ack

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/segment"
)

type fakeLedger struct {
	mu             sync.Mutex
	lastAcked      uint64
	totalBytes     uint64
	ackReaderSeg   uint64
	flushes        int
	writerSignals  int
}

func (l *fakeLedger) LastAckedID() uint64    { l.mu.Lock(); defer l.mu.Unlock(); return l.lastAcked }
func (l *fakeLedger) SetLastAckedID(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastAcked = id
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
func (l *fakeLedger) IncrementAckReaderSeg() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ackReaderSeg++
	return l.ackReaderSeg
}
func (l *fakeLedger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes++
	return nil
}
func (l *fakeLedger) SignalWriter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writerSignals++
}

func TestAckDeletesFullyAcknowledgedSegment(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/buffer-data-0000000000000000.dat"
	require.NoError(t, os.WriteFile(path, []byte("data-and-some-residue"), 0o644))

	led := &fakeLedger{totalBytes: 1000}
	a := New(led)
	a.NotePendingDeletion(segment.PendingDeletion{
		SegmentID:     0,
		HighestRecord: 9,
		BytesRead:     10,
		FileBytes:     uint64(len("data-and-some-residue")),
		Path:          path,
	})

	require.NoError(t, a.Ack(10)) // acks records 0..9 inclusive

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "segment file should be deleted once fully acked")
	require.Equal(t, 0, a.PendingCount())
	require.Equal(t, uint64(1), led.ackReaderSeg)
	require.Equal(t, 1, led.writerSignals)

	residue := uint64(len("data-and-some-residue")) - 10
	require.Equal(t, uint64(1000)-residue, led.totalBytes)
}

func TestAckDoesNotDeleteUntilFullyCovered(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/buffer-data-0000000000000000.dat"
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	led := &fakeLedger{}
	a := New(led)
	a.NotePendingDeletion(segment.PendingDeletion{SegmentID: 0, HighestRecord: 9, Path: path})

	require.NoError(t, a.Ack(5)) // only covers records 0..4

	_, err := os.Stat(path)
	require.NoError(t, err, "segment should still exist, not yet fully acknowledged")
	require.Equal(t, 1, a.PendingCount())
}

func TestAckFlushIntervalBatches(t *testing.T) {
	led := &fakeLedger{}
	a := New(led, WithFlushInterval(time.Hour))

	require.NoError(t, a.Ack(1))
	require.Equal(t, 1, led.flushes, "first ack always flushes to establish lastFlush")

	require.NoError(t, a.Ack(1))
	require.Equal(t, 1, led.flushes, "second ack within the interval should not flush again")

	require.NoError(t, a.Close())
}

func TestDeliveredHandlesWrap(t *testing.T) {
	// prevAcked and highestID are both still in the unwrapped (large) part
	// of the range; ackID has wrapped around past the top of uint64 and
	// is now numerically small, even though it represents an ack that
	// comes after highestID in wall-clock/record order.
	const prevAcked = ^uint64(0) - 5 // max-5
	const highestID = ^uint64(0) - 1 // max-1, still ahead of prevAcked, not yet wrapped
	const ackID = 3                  // wrapped: max-5 -> ... -> max -> 0 -> 1 -> 2 -> 3

	require.True(t, delivered(highestID, ackID, prevAcked))
	require.False(t, delivered(highestID, ackID, highestID), "sanity: without the wrap condition this would not be delivered")
}
