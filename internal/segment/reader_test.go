package segment

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/record"
)

type fakeWriterHandle struct{ done bool }

func (f *fakeWriterHandle) Done() bool { return f.done }

func writeFrame(t *testing.T, path string, frames ...[]byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	for _, fr := range frames {
		_, err := f.Write(fr)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestReaderReadsRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, Path(dir, 0),
		record.Encode([]byte("a"), 0, 0),
		record.Encode([]byte("b"), 1, 0),
	)

	led := newFakeLedger()
	led.writerSeg = 0
	writer := &fakeWriterHandle{done: true}

	r := NewReader(dir, led, writer)

	rec, err := r.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Payload)

	rec, err = r.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("b"), rec.Payload)

	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestReaderDetectsBadChecksumAndRolls(t *testing.T) {
	dir := t.TempDir()
	frame := record.Encode([]byte("a"), 0, 0)
	// Flip a byte inside the checksummed archive.
	frame[len(frame)-1] ^= 0xFF
	writeFrame(t, Path(dir, 0), frame)
	// Seal segment 0 and start segment 1 empty, so the reader isn't
	// treated as sitting on the live writer segment.
	require.NoError(t, os.WriteFile(Path(dir, 1), nil, 0o644))

	led := newFakeLedger()
	led.writerSeg = 1
	writer := &fakeWriterHandle{done: true}

	var corruptions []Corruption
	var deletions []PendingDeletion
	r := NewReader(dir, led, writer,
		WithOnCorruption(func(c Corruption) { corruptions = append(corruptions, c) }),
		WithOnPendingDeletion(func(p PendingDeletion) { deletions = append(deletions, p) }),
	)

	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, record.ErrBadChecksum)
	require.Len(t, corruptions, 1)
	require.Equal(t, CorruptBadFrame, corruptions[0].Kind)
	require.Len(t, deletions, 1, "rolling off the corrupt segment should emit a pending-deletion marker")
	require.Equal(t, uint64(1), led.CurrentReaderSeg())
}

func TestReaderDetectsPartialWriteOnSealedSegment(t *testing.T) {
	dir := t.TempDir()
	good := record.Encode([]byte("a"), 0, 0)
	f, err := os.OpenFile(Path(dir, 0), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(good)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(Path(dir, 1), nil, 0o644))

	led := newFakeLedger()
	led.writerSeg = 1
	writer := &fakeWriterHandle{done: true}

	r := NewReader(dir, led, writer)

	rec, err := r.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Payload)

	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, ErrPartialWrite)
	require.Equal(t, uint64(1), led.CurrentReaderSeg())
}

func TestReaderDetectsGap(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, Path(dir, 0),
		record.Encode([]byte("a"), 0, 0),
		record.Encode([]byte("c"), 5, 0),
	)

	led := newFakeLedger()
	led.writerSeg = 0
	writer := &fakeWriterHandle{done: true}

	var corruptions []Corruption
	r := NewReader(dir, led, writer, WithOnCorruption(func(c Corruption) { corruptions = append(corruptions, c) }))

	_, err := r.Next(context.Background())
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	require.NoError(t, err)

	require.Len(t, corruptions, 1)
	require.Equal(t, CorruptGap, corruptions[0].Kind)
	require.Equal(t, uint64(4), corruptions[0].GapSize)
}

func TestReaderWaitsOnLiveWriterSegment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, 0), nil, 0o644))

	led := newFakeLedger()
	led.writerSeg = 0
	writer := &fakeWriterHandle{done: false}

	r := NewReader(dir, led, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		done <- err
	}()

	// No data has been written and the writer isn't done: Next should
	// block until either a signal or cancellation.
	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	}
}
