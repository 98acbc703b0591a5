package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	l.AllocateRecordID()
	l.AllocateRecordID()
	l.IncrementWriterSeg()
	l.IncBytes(128)
	l.SetLastAckedID(1)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	l2, err := Open(dir, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(2), l2.NextRecordID())
	require.Equal(t, uint64(1), l2.CurrentWriterSeg())
	require.Equal(t, uint64(128), l2.TotalBytes())
	require.Equal(t, uint64(1), l2.LastAckedID())
}

func TestByteAccountingSaturates(t *testing.T) {
	l := newTestLedger(t)
	l.IncBytes(10)
	l.DecBytes(100)
	require.Equal(t, uint64(0), l.TotalBytes())
}

func TestWaitForWriterWakesOnSignal(t *testing.T) {
	l := newTestLedger(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- l.WaitForWriter(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	l.SignalReader()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestWaitForWriterRespectsContext(t *testing.T) {
	l := newTestLedger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.WaitForWriter(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir(), prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}
