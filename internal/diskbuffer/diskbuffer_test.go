package diskbuffer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/event"
	"github.com/fluxgate/agent/internal/record"
)

func openTestBuffer(t *testing.T, dir string) *Buffer {
	t.Helper()
	b, err := Open(dir, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return b
}

func singleEvent(payload string) event.EventArray {
	n := event.NewBatchNotifier(1, func(string, event.Status) {})
	return event.EventArray{Events: []event.Event{event.New([]byte(payload), map[string]any{"k": "v"}, n)}, Notifier: n}
}

func TestSendRecvRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := openTestBuffer(t, dir)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Send(ctx, singleEvent("hello")))

	arr, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), arr.Events[0].Payload())
	v, ok := arr.Events[0].Field("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestAckDeletesSealedSegmentAfterRoll(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, Options{MaxSegmentBytes: int64(record.FrameLen(200) * 1), Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	// Large enough payloads that the tiny segment cap forces at least one
	// roll after a handful of sends.
	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	for i := 0; i < 10; i++ {
		n := event.NewBatchNotifier(1, func(string, event.Status) {})
		require.NoError(t, b.Send(ctx, event.EventArray{Events: []event.Event{event.New(big, nil, n)}, Notifier: n}))
	}

	var finalized []event.Status
	for i := 0; i < 10; i++ {
		arr, err := b.Recv(ctx)
		require.NoError(t, err)
		arr.Events[0].Finalize(event.Delivered)
		finalized = append(finalized, event.Delivered)
	}
	require.Len(t, finalized, 10)

	// Give the ordered-ack drain a moment (it runs synchronously inside
	// Finalize in this test, but guard against future async changes).
	time.Sleep(10 * time.Millisecond)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	dataFiles := 0
	for _, e := range entries {
		if e.Name() != "ledger.db" {
			dataFiles++
		}
	}
	require.LessOrEqual(t, dataFiles, 2, "at least one rolled, fully-acked segment should have been deleted")
}

func TestReopenRecoversUnackedRecords(t *testing.T) {
	dir := t.TempDir()

	b1, err := Open(dir, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b1.Send(ctx, singleEvent("a")))
	require.NoError(t, b1.Send(ctx, singleEvent("b")))
	require.NoError(t, b1.Flush())
	// Close the buffer without ever acking, so both records are still
	// pending on reopen.
	require.NoError(t, b1.Close())

	b2, err := Open(dir, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer b2.Close()

	arr1, err := b2.Recv(ctx)
	require.NoError(t, err)
	arr2, err := b2.Recv(ctx)
	require.NoError(t, err)

	payloads := map[string]bool{string(arr1.Events[0].Payload()): true, string(arr2.Events[0].Payload()): true}
	require.True(t, payloads["a"])
	require.True(t, payloads["b"])
}
