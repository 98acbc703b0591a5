package bench

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/diskbuffer"
	"github.com/fluxgate/agent/internal/event"
)

var randomData = make([]byte, 1024*1024)

func openDiskBuffer(b *testing.B, maxSegmentBytes int64) (*diskbuffer.Buffer, func()) {
	dir, err := os.MkdirTemp("", "diskbuffer-bench-*")
	require.NoError(b, err)

	buf, err := diskbuffer.Open(dir, diskbuffer.Options{MaxSegmentBytes: maxSegmentBytes})
	require.NoError(b, err)

	return buf, func() {
		_ = buf.Close()
		os.RemoveAll(dir)
	}
}

func batchOf(size, n int) event.EventArray {
	notifier := event.NewBatchNotifier(n, func(string, event.Status) {})
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.New(randomData[:size], nil, notifier)
	}
	return event.EventArray{Events: events, Notifier: notifier}
}

// BenchmarkAppend measures Send throughput across payload sizes and
// batch sizes, forcing frequent segment rotation (a small
// MaxSegmentBytes) to profile rotation overhead.
func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, n := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", sizeNames[i], n), func(b *testing.B) {
				buf, done := openDiskBuffer(b, 512*1024)
				defer done()
				runAppendBench(b, buf, s, n)
			})
		}
	}
}

func runAppendBench(b *testing.B, buf *diskbuffer.Buffer, size, n int) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		arr := batchOf(size, n)
		b.StartTimer()
		err := buf.Send(ctx, arr)
		b.StopTimer()
		if err != nil {
			b.Fatalf("error sending: %s", err)
		}
	}
}

// BenchmarkRecv measures Recv throughput for a reader kept just behind
// a writer that stays ahead by a fixed lookahead window, topping up the
// write side periodically so the reader never overtakes the writer and
// blocks mid-benchmark.
func BenchmarkRecv(b *testing.B) {
	sizes := []int{128, 64 * 1024}
	sizeNames := []string{"128b", "64k"}

	for i, size := range sizes {
		b.Run(fmt.Sprintf("recordSize=%s", sizeNames[i]), func(b *testing.B) {
			buf, done := openDiskBuffer(b, 64*1024*1024)
			defer done()
			runRecvBench(b, buf, size)
		})
	}
}

func runRecvBench(b *testing.B, buf *diskbuffer.Buffer, size int) {
	ctx := context.Background()
	const lookahead = 1000
	require.NoError(b, buf.Send(ctx, batchOf(size, lookahead)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i > 0 && i%lookahead == 0 {
			b.StopTimer()
			require.NoError(b, buf.Send(ctx, batchOf(size, lookahead)))
			b.StartTimer()
		}
		arr, err := buf.Recv(ctx)
		require.NoError(b, err)
		require.NoError(b, buf.Ack(uint64(len(arr.Events))))
	}
}

// BenchmarkAckLatency records Ack's latency distribution via
// HdrHistogram-go, reporting p50/p99 microsecond quantiles directly
// as custom benchmark metrics.
func BenchmarkAckLatency(b *testing.B) {
	buf, done := openDiskBuffer(b, 64*1024*1024)
	defer done()

	ctx := context.Background()
	const batch = 100
	for i := 0; i < b.N; i++ {
		require.NoError(b, buf.Send(ctx, batchOf(64, batch)))
	}

	hist := hdrhistogram.New(1, 60_000_000, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		arr, err := buf.Recv(ctx)
		require.NoError(b, err)
		b.StartTimer()

		start := time.Now()
		require.NoError(b, buf.Ack(uint64(len(arr.Events))))
		elapsed := time.Since(start).Microseconds()
		if elapsed <= 0 {
			elapsed = 1
		}
		_ = hist.RecordValue(elapsed)
	}
	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-us")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
}
