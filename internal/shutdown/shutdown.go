// Package shutdown implements the topology-wide shutdown coordinator
// (spec §4.9): a registry of per-component triggers fired in topological
// order (sources, then transforms, then sinks) with a deadline after
// which still-running components are force-cancelled.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// Kind is a component's position in the topological firing order.
type Kind int

const (
	Source Kind = iota
	Transform
	Sink
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "source"
	case Transform:
		return "transform"
	case Sink:
		return "sink"
	default:
		return "unknown"
	}
}

// order is the firing sequence: sources first so they stop producing
// before transforms/sinks are asked to drain what's already in flight.
var order = []Kind{Source, Transform, Sink}

// Trigger is a component's handle on the shutdown coordinator. A
// component selects on Stopping() to learn when to begin flushing and
// exiting, and on Forced() to learn it must abort immediately instead
// (spec §4.9: "A sink that has not drained within deadline is
// force-cancelled"). It calls Done() exactly once, when it has finished
// exiting and closed its output.
type Trigger struct {
	id   string
	kind Kind

	stop   chan struct{}
	stopOnce sync.Once

	forced     chan struct{}
	forcedOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

// Stopping returns a channel closed once the coordinator has begun
// shutting this component down.
func (t *Trigger) Stopping() <-chan struct{} { return t.stop }

// Forced returns a channel closed if this component did not call Done
// before the stage deadline elapsed. A component already past Stopping
// should select on this too and abort outstanding work immediately.
func (t *Trigger) Forced() <-chan struct{} { return t.forced }

// Done marks this component as fully exited (flushed and output closed).
// Safe to call multiple times or never before the trigger fires — the
// coordinator only forces components that haven't called it in time.
func (t *Trigger) Done() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Trigger) fire() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Trigger) force() {
	t.forcedOnce.Do(func() { close(t.forced) })
}

// ForcedReport identifies one component that Stop force-cancelled at its
// deadline.
type ForcedReport struct {
	ID   string
	Kind Kind
}

// Coordinator is the registry of (component_id → trigger) that drives
// ordered shutdown, generalizing a single-resource close-once pattern
// (swap a closed flag, run a finalizer once outstanding users are done)
// to N registered components with a kind-based partial order.
type Coordinator struct {
	mu       sync.Mutex
	triggers map[string]*Trigger
	closed   uint32

	logger log.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for stage transitions and forced
// cancellations.
func WithLogger(l log.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New constructs an empty Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		triggers: make(map[string]*Trigger),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds id to the registry under kind and returns its Trigger.
// Registering the same id twice replaces its previous Trigger (used by
// topology reload when a component is rebuilt under the same id).
func (c *Coordinator) Register(id string, kind Kind) *Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Trigger{
		id:     id,
		kind:   kind,
		stop:   make(chan struct{}),
		forced: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.triggers[id] = t
	return t
}

// Unregister removes id without firing it, used when a component is
// torn down outside a full topology Stop (e.g. a reload's Remove phase,
// spec §4.8 point 2).
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.triggers, id)
}

func (c *Coordinator) byKind(kind Kind) []*Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Trigger
	for _, t := range c.triggers {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop fires every registered trigger in topological order — all
// sources, then all transforms, then all sinks — waiting at each stage
// for that stage's components to call Done before moving to the next.
// deadline bounds the whole call: once it elapses, any component that
// has not yet called Done in the current (or any subsequent) stage is
// force-cancelled via its Forced channel. Stop returns the set of
// components that had to be force-cancelled; an empty slice means every
// component drained cleanly.
func (c *Coordinator) Stop(ctx context.Context, deadline time.Duration) ([]ForcedReport, error) {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil, fmt.Errorf("shutdown: Stop already called")
	}

	deadlineAt := time.Now().Add(deadline)
	var forced []ForcedReport

	for _, kind := range order {
		triggers := c.byKind(kind)
		if len(triggers) == 0 {
			continue
		}

		level.Info(c.logger).Log("msg", "firing shutdown stage", "kind", kind.String(), "count", len(triggers))
		for _, t := range triggers {
			t.fire()
		}

		stageCtx, cancel := context.WithDeadline(ctx, deadlineAt)
		g, gctx := errgroup.WithContext(stageCtx)
		var mu sync.Mutex
		for _, t := range triggers {
			t := t
			g.Go(func() error {
				select {
				case <-t.done:
					return nil
				case <-gctx.Done():
					t.force()
					mu.Lock()
					forced = append(forced, ForcedReport{ID: t.id, Kind: t.kind})
					mu.Unlock()
					level.Warn(c.logger).Log("msg", "component force-cancelled at shutdown deadline", "id", t.id, "kind", kind.String())
					return nil
				}
			})
		}
		_ = g.Wait()
		cancel()

		if ctx.Err() != nil {
			return forced, ctx.Err()
		}
	}

	return forced, nil
}

// Len returns the number of currently registered components.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.triggers)
}
