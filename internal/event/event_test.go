package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSharesUntilMutated(t *testing.T) {
	e := New([]byte("hello"), nil, nil)
	c := e.Clone()

	require.Equal(t, e.Payload(), c.Payload())

	m := c.Mutable()
	m.SetField("x", 1)

	_, ok := e.Field("x")
	require.False(t, ok, "mutating the detached copy must not affect the original")
}

func TestBatchNotifierFinalizesOnceAllRefsReleased(t *testing.T) {
	var gotStatus Status
	var calls int
	n := NewBatchNotifier(2, func(id string, status Status) {
		calls++
		gotStatus = status
	})

	e1 := New([]byte("a"), nil, n)
	e2 := New([]byte("b"), nil, n)

	e1.Finalize(Delivered)
	require.Equal(t, 0, calls, "should not finalize until all refs released")

	e2.Finalize(Delivered)
	require.Equal(t, 1, calls)
	require.Equal(t, Delivered, gotStatus)
}

func TestBatchNotifierWorstStatusWins(t *testing.T) {
	var gotStatus Status
	n := NewBatchNotifier(3, func(id string, status Status) { gotStatus = status })

	e1 := New([]byte("a"), nil, n)
	e2 := New([]byte("b"), nil, n)
	e3 := New([]byte("c"), nil, n)

	e1.Finalize(Delivered)
	e2.Finalize(Errored)
	e3.Finalize(Rejected)

	require.Equal(t, Errored, gotStatus, "Errored outranks both Delivered and Rejected")
}

func TestCloneIncrementsRefsForFanout(t *testing.T) {
	var calls int
	n := NewBatchNotifier(1, func(id string, status Status) { calls++ })

	e := New([]byte("a"), nil, n)
	clone := e.Clone() // fanout duplicating to a second subscriber

	e.Finalize(Delivered)
	require.Equal(t, 0, calls, "clone still holds a reference")

	clone.Finalize(Delivered)
	require.Equal(t, 1, calls)
}

func TestDropFoldsToDelivered(t *testing.T) {
	var gotStatus Status
	n := NewBatchNotifier(1, func(id string, status Status) { gotStatus = status })

	e := New([]byte("a"), nil, n)
	e.Drop()

	require.Equal(t, Delivered, gotStatus)
}
