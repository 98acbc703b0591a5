// Package topology owns the full pipeline lifecycle (spec §4.8): graph
// validation, component instantiation, startup, hot reload, and
// coordinated shutdown. It wires together internal/fanout,
// internal/buffer (membuffer/diskbuffer), internal/event, and
// internal/shutdown without implementing any source, transform, or sink
// itself — those are plugins the core only consumes (spec §6).
package topology

import (
	"context"

	"github.com/fluxgate/agent/internal/buffer"
	"github.com/fluxgate/agent/internal/fanout"
)

// OutputType is a bitmask of event variants a component produces or
// accepts (spec §6's "type_set" / the build-time type-compatibility
// rule: "a sink accepting only logs must not be wired to a transform
// producing metrics").
type OutputType uint8

const (
	Logs OutputType = 1 << iota
	Metrics
	Traces
)

// Intersects reports whether a and b share at least one variant.
func (a OutputType) Intersects(b OutputType) bool { return a&b != 0 }

// Resource is a claimed external resource checked for conflicts at
// build time (spec §4.8: "two sources cannot bind the same TCP
// port/address/protocol triple").
type Resource struct {
	Protocol string // "tcp" or "udp"
	Address  string // "" means unspecified (0.0.0.0/::), conflicts with any address
	Port     int
}

// conflictsWith reports whether r and other claim the same
// protocol/port on overlapping addresses.
func (r Resource) conflictsWith(other Resource) bool {
	if r.Protocol != other.Protocol || r.Port != other.Port {
		return false
	}
	if r.Address == "" || other.Address == "" {
		return true
	}
	return r.Address == other.Address
}

// SourceRunner is the task a built source executes. It writes event
// batches into out until ctx is cancelled, then returns (spec §4.9: "a
// component receiving a trigger flushes and exits, closing its
// output" — the supervisor calls out's owner's cleanup after Run
// returns).
type SourceRunner interface {
	Run(ctx context.Context, out *fanout.Fanout) error
}

// Source is a source plugin factory (spec §6: "build(context) → task,
// outputs() → [declared_output], resources() → [resource],
// can_acknowledge() → bool").
type Source interface {
	Build(ctx context.Context) (SourceRunner, error)
	Outputs() []OutputType
	Resources() []Resource
	CanAcknowledge() bool
}

// TransformRunner is the task a built transform executes, reading
// batches from in and writing results to out until in is closed or ctx
// is cancelled.
type TransformRunner interface {
	Run(ctx context.Context, in buffer.Buffer, out *fanout.Fanout) error
}

// Transform is a transform plugin factory (spec §6).
type Transform interface {
	Build(ctx context.Context) (TransformRunner, error)
	// Input is the set of event variants this transform accepts.
	Input() OutputType
	// Outputs returns the declared output variants. The original
	// plugin trait threads a schema through this call; SPEC_FULL has no
	// schema-inference component, so Outputs is schema-independent here.
	Outputs() []OutputType
}

// SinkRunner is the task a built sink executes, reading batches from in
// until it is closed or ctx is cancelled.
type SinkRunner interface {
	Run(ctx context.Context, in buffer.Buffer) error
}

// HealthcheckFunc probes a sink's dependencies before it is started
// (spec §6: "(task, healthcheck_future)").
type HealthcheckFunc func(ctx context.Context) error

// Sink is a sink plugin factory (spec §6).
type Sink interface {
	Build(ctx context.Context) (SinkRunner, HealthcheckFunc, error)
	InputType() OutputType
	Resources() []Resource
	// AcknowledgementsConfig reports whether this sink supports
	// acknowledgements and whether the config enabled them ("option" in
	// spec §6's plugin trait).
	AcknowledgementsConfig() (enabled, supported bool)
}
