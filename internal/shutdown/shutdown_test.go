package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopFiresInTopologicalOrder(t *testing.T) {
	c := New()
	var seen []Kind
	seenCh := make(chan Kind, 3)

	src := c.Register("src", Source)
	tr := c.Register("tr", Transform)
	sink := c.Register("sink", Sink)

	done := make(chan struct{})
	go func() {
		<-src.Stopping()
		seenCh <- Source
		src.Done()

		<-tr.Stopping()
		seenCh <- Transform
		tr.Done()

		<-sink.Stopping()
		seenCh <- Sink
		sink.Done()
		close(done)
	}()

	forced, err := c.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Empty(t, forced)
	<-done
	close(seenCh)
	for k := range seenCh {
		seen = append(seen, k)
	}
	require.Equal(t, []Kind{Source, Transform, Sink}, seen)
}

func TestStopForceCancelsPastDeadline(t *testing.T) {
	c := New()
	sink := c.Register("stuck-sink", Sink)

	forcedSeen := make(chan struct{})
	go func() {
		<-sink.Stopping()
		<-sink.Forced()
		close(forcedSeen)
		sink.Done()
	}()

	forced, err := c.Stop(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, forced, 1)
	require.Equal(t, "stuck-sink", forced[0].ID)
	require.Equal(t, Sink, forced[0].Kind)

	select {
	case <-forcedSeen:
	case <-time.After(time.Second):
		t.Fatal("component never observed Forced")
	}
}

func TestStopWaitsForEachStageBeforeNext(t *testing.T) {
	c := New()
	src := c.Register("src", Source)
	sink := c.Register("sink", Sink)

	sinkFiredEarly := false
	go func() {
		<-src.Stopping()
		time.Sleep(30 * time.Millisecond)
		select {
		case <-sink.Stopping():
			sinkFiredEarly = true
		default:
		}
		src.Done()
	}()
	go func() {
		<-sink.Stopping()
		sink.Done()
	}()

	_, err := c.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, sinkFiredEarly, "sink must not fire until the source stage has drained")
}

func TestDoubleStopReturnsError(t *testing.T) {
	c := New()
	_, err := c.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = c.Stop(context.Background(), time.Second)
	require.Error(t, err)
}

func TestUnregisterExcludesFromStop(t *testing.T) {
	c := New()
	c.Register("gone", Sink)
	c.Unregister("gone")
	require.Equal(t, 0, c.Len())

	forced, err := c.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Empty(t, forced)
}
