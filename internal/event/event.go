// Package event implements the pipeline's in-flight data unit: a
// copy-on-write, reference-counted payload plus the acknowledgement
// propagator that turns "all references dropped" into a single delivery
// status back at the ingress (spec §4.10).
package event

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Status is a delivery outcome, ordered by severity (spec §4.10:
// "Delivered < Rejected < Errored, worse status wins").
type Status int32

const (
	Delivered Status = iota
	Rejected
	Errored
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// worse reports whether candidate outranks current in severity.
func worse(candidate, current Status) bool { return candidate > current }

// Event is a single unit of pipeline data: an opaque payload plus the
// metadata needed to route it and report its eventual delivery outcome.
// The payload is copy-on-write: Clone is cheap (shares the underlying
// body) until Mutable is called, which detaches a private copy.
type Event struct {
	body     *body
	notifier *BatchNotifier
}

type body struct {
	mu      sync.Mutex
	refs    int32
	payload []byte
	fields  map[string]any
}

// New constructs an Event wrapping payload and fields, attached to
// notifier for delivery-status propagation. notifier may be nil for
// events with no acknowledgement tracking (e.g. in tests). The caller
// must have sized notifier's initial reference count (via
// NewBatchNotifier's refs parameter) to match the batch being
// constructed; New itself does not add a reference, since the whole
// point of pre-sizing is to avoid a transient refs==0 window while a
// batch is still being built.
func New(payload []byte, fields map[string]any, notifier *BatchNotifier) Event {
	b := &body{refs: 1, payload: payload, fields: fields}
	return Event{body: b, notifier: notifier}
}

// Clone returns a shallow, reference-counted copy of e. The clone shares
// e's underlying payload and fields until one side calls Mutable.
// Cloning increments the shared BatchNotifier's outstanding-reference
// count, mirroring fanout's "clone the notifier by increment" rule.
func (e Event) Clone() Event {
	atomic.AddInt32(&e.body.refs, 1)
	if e.notifier != nil {
		e.notifier.addRef()
	}
	return e
}

// Payload returns the event's payload bytes. Callers must not mutate the
// returned slice; call Mutable first if mutation is required.
func (e Event) Payload() []byte { return e.body.payload }

// Field returns a field value and whether it was present.
func (e Event) Field(key string) (any, bool) {
	e.body.mu.Lock()
	defer e.body.mu.Unlock()
	v, ok := e.body.fields[key]
	return v, ok
}

// Mutable returns an Event backed by a private, unshared copy of the
// underlying body, detaching it from any other clones (copy-on-write,
// spec §5: "mutation requires obtaining unique ownership").
func (e Event) Mutable() Event {
	if atomic.LoadInt32(&e.body.refs) == 1 {
		return e
	}

	e.body.mu.Lock()
	payload := make([]byte, len(e.body.payload))
	copy(payload, e.body.payload)
	fields := make(map[string]any, len(e.body.fields))
	for k, v := range e.body.fields {
		fields[k] = v
	}
	e.body.mu.Unlock()

	nb := &body{refs: 1, payload: payload, fields: fields}
	return Event{body: nb, notifier: e.notifier}
}

// SetField sets a field on a Mutable event. Callers must call Mutable
// first if the event may be shared.
func (e Event) SetField(key string, v any) {
	e.body.mu.Lock()
	defer e.body.mu.Unlock()
	if e.body.fields == nil {
		e.body.fields = make(map[string]any)
	}
	e.body.fields[key] = v
}

// Fields returns a copy of the event's full field map, for callers (such
// as the disk buffer's codec) that need to round-trip the whole set
// rather than look up individual keys.
func (e Event) Fields() map[string]any {
	e.body.mu.Lock()
	defer e.body.mu.Unlock()
	if e.body.fields == nil {
		return nil
	}
	out := make(map[string]any, len(e.body.fields))
	for k, v := range e.body.fields {
		out[k] = v
	}
	return out
}

// Notifier returns the event's BatchNotifier, or nil if untracked.
func (e Event) Notifier() *BatchNotifier { return e.notifier }

// Drop releases this Event's reference to its notifier with the given
// status without forwarding the event further (spec §4.10: "a transform
// that drops an event ... decrements the count with status Dropped").
// Dropped is folded into Delivered for source-commit purposes per spec.
func (e Event) Drop() {
	if e.notifier != nil {
		e.notifier.release(Delivered)
	}
}

// Finalize releases this Event's reference to its notifier reporting the
// given terminal status (called by a sink once it has durably processed
// or rejected the event).
func (e Event) Finalize(status Status) {
	if e.notifier != nil {
		e.notifier.release(status)
	}
}

// EventArray is an ordered batch of events sharing a single ingress
// BatchNotifier, matching the pipeline's unit of transport between
// stages (spec §4.6 "send(event_array)").
type EventArray struct {
	Events   []Event
	Notifier *BatchNotifier
}

// Len returns the number of events in the array.
func (a EventArray) Len() int { return len(a.Events) }

// Clone returns a deep-enough copy for fanout: each event is cloned
// (incrementing the shared notifier), producing an independent slice
// that a subscriber can consume without racing other subscribers.
func (a EventArray) Clone() EventArray {
	out := make([]Event, len(a.Events))
	for i, e := range a.Events {
		out[i] = e.Clone()
	}
	return EventArray{Events: out, Notifier: a.Notifier}
}

// OnFinalizeFunc is invoked once a BatchNotifier's outstanding reference
// count reaches zero, with the final aggregated status.
type OnFinalizeFunc func(id string, status Status)

// BatchNotifier is shared among every Event produced for one ingress
// batch. It tracks an outstanding-reference count and a monotonically
// worsening status; once all references are released, it reports the
// final status exactly once (spec §4.10).
type BatchNotifier struct {
	id       string
	refs     int32
	status   int32 // atomic Status
	finalize OnFinalizeFunc
	done     int32 // guards against double-finalization
}

// NewBatchNotifier constructs a BatchNotifier with a fresh correlation ID
// (used only in log lines, never on the wire) and an initial reference
// count of initialRefs — normally the number of events the ingress is
// about to construct for this batch — calling finalize exactly once when
// the last reference is released.
func NewBatchNotifier(initialRefs int, finalize OnFinalizeFunc) *BatchNotifier {
	return &BatchNotifier{
		id:       uuid.NewString(),
		refs:     int32(initialRefs),
		status:   int32(Delivered),
		finalize: finalize,
	}
}

// ID returns the notifier's correlation ID.
func (n *BatchNotifier) ID() string { return n.id }

func (n *BatchNotifier) addRef() {
	atomic.AddInt32(&n.refs, 1)
}

// release drops one outstanding reference, folding status into the
// notifier's running worst-status, and fires finalize once refs hits
// zero.
func (n *BatchNotifier) release(status Status) {
	for {
		cur := Status(atomic.LoadInt32(&n.status))
		if !worse(status, cur) {
			break
		}
		if atomic.CompareAndSwapInt32(&n.status, int32(cur), int32(status)) {
			break
		}
	}

	if atomic.AddInt32(&n.refs, -1) == 0 {
		if atomic.CompareAndSwapInt32(&n.done, 0, 1) && n.finalize != nil {
			n.finalize(n.id, Status(atomic.LoadInt32(&n.status)))
		}
	}
}

// Status returns the notifier's current (possibly not-yet-final)
// aggregated status.
func (n *BatchNotifier) Status() Status {
	return Status(atomic.LoadInt32(&n.status))
}
