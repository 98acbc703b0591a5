package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/agent/internal/event"
)

type recordingSender struct {
	mu       sync.Mutex
	received []event.EventArray
	block    chan struct{} // if non-nil, Send waits on this before accepting
	errOn    error
}

func (s *recordingSender) Send(ctx context.Context, arr event.EventArray) error {
	if s.errOn != nil {
		return s.errOn
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.received = append(s.received, arr)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func arrOf(payload string) event.EventArray {
	n := event.NewBatchNotifier(1, func(string, event.Status) {})
	return event.EventArray{Events: []event.Event{event.New([]byte(payload), nil, n)}, Notifier: n}
}

func TestSendDeliversToAllSubscribers(t *testing.T) {
	f := New("test")
	a, b := &recordingSender{}, &recordingSender{}
	require.NoError(t, f.Add("a", a))
	require.NoError(t, f.Add("b", b))

	require.NoError(t, f.Send(context.Background(), arrOf("x")))
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
	require.Equal(t, "x", string(a.received[0].Events[0].Payload()))
	require.Equal(t, "x", string(b.received[0].Events[0].Payload()))
}

func TestAddDuplicateNameFails(t *testing.T) {
	f := New("test")
	require.NoError(t, f.Add("a", &recordingSender{}))
	err := f.Add("a", &recordingSender{})
	require.ErrorAs(t, err, new(ErrExists))
}

func TestReplaceMissingNameFails(t *testing.T) {
	f := New("test")
	err := f.Replace("a", &recordingSender{})
	require.ErrorAs(t, err, new(ErrNotFound))
}

func TestSubscriberAddedMidSendSeesOnlySubsequentBatches(t *testing.T) {
	f := New("test")
	a := &recordingSender{block: make(chan struct{})}
	require.NoError(t, f.Add("a", a))

	done := make(chan error, 1)
	go func() { done <- f.Send(context.Background(), arrOf("first")) }()

	// Give Send time to snapshot subscribers before we add a new one.
	time.Sleep(10 * time.Millisecond)
	b := &recordingSender{}
	require.NoError(t, f.Add("b", b))

	close(a.block)
	require.NoError(t, <-done)

	require.Equal(t, 1, a.count())
	require.Equal(t, 0, b.count(), "subscriber added mid-send must not receive the in-flight batch")

	require.NoError(t, f.Send(context.Background(), arrOf("second")))
	require.Equal(t, 1, b.count())
}

func TestSubscriberRemovedMidSendStillReceivesInFlightBatch(t *testing.T) {
	f := New("test")
	a := &recordingSender{block: make(chan struct{})}
	require.NoError(t, f.Add("a", a))

	done := make(chan error, 1)
	go func() { done <- f.Send(context.Background(), arrOf("x")) }()

	time.Sleep(10 * time.Millisecond)
	f.Remove("a")
	close(a.block)
	require.NoError(t, <-done)

	require.Equal(t, 1, a.count(), "subscriber removed mid-send still gets the batch already snapshotted for it")
	require.Equal(t, 0, f.Len())
}

func TestSendWithNoSubscribersDropsAsDelivered(t *testing.T) {
	f := New("test")
	var status event.Status = -1
	n := event.NewBatchNotifier(1, func(_ string, s event.Status) { status = s })
	arr := event.EventArray{Events: []event.Event{event.New([]byte("x"), nil, n)}, Notifier: n}

	require.NoError(t, f.Send(context.Background(), arr))
	require.Equal(t, event.Delivered, status)
}

func TestSendPropagatesSubscriberError(t *testing.T) {
	f := New("test")
	ok := &recordingSender{}
	bad := &recordingSender{errOn: context.Canceled}
	require.NoError(t, f.Add("ok", ok))
	require.NoError(t, f.Add("bad", bad))

	err := f.Send(context.Background(), arrOf("x"))
	require.Error(t, err)
}
