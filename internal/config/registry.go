package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fluxgate/agent/internal/topology"
)

// SourceFactory builds a topology.Source plugin from its raw settings
// node (spec §6: plugins are "consumed, not defined, by the core" — the
// registry is how a concrete agent binary supplies the types a document
// names by string).
type SourceFactory func(settings yaml.Node) (topology.Source, error)

// TransformFactory builds a topology.Transform plugin from its raw
// settings node.
type TransformFactory func(settings yaml.Node) (topology.Transform, error)

// SinkFactory builds a topology.Sink plugin from its raw settings node.
type SinkFactory func(settings yaml.Node) (topology.Sink, error)

// Registry maps a component document's `type` string to the factory that
// constructs it. A concrete agent binary populates one at startup with
// every source/transform/sink type it links in; Compile fails with a
// Config-kind error (spec §7) for any `type` the registry doesn't know.
type Registry struct {
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	sinks      map[string]SinkFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:    make(map[string]SourceFactory),
		transforms: make(map[string]TransformFactory),
		sinks:      make(map[string]SinkFactory),
	}
}

// RegisterSource associates a `type` string with a source factory.
func (r *Registry) RegisterSource(typ string, f SourceFactory) { r.sources[typ] = f }

// RegisterTransform associates a `type` string with a transform factory.
func (r *Registry) RegisterTransform(typ string, f TransformFactory) { r.transforms[typ] = f }

// RegisterSink associates a `type` string with a sink factory.
func (r *Registry) RegisterSink(typ string, f SinkFactory) { r.sinks[typ] = f }

func (r *Registry) source(typ string) (SourceFactory, error) {
	f, ok := r.sources[typ]
	if !ok {
		return nil, fmt.Errorf("config: unknown source type %q", typ)
	}
	return f, nil
}

func (r *Registry) transform(typ string) (TransformFactory, error) {
	f, ok := r.transforms[typ]
	if !ok {
		return nil, fmt.Errorf("config: unknown transform type %q", typ)
	}
	return f, nil
}

func (r *Registry) sink(typ string) (SinkFactory, error) {
	f, ok := r.sinks[typ]
	if !ok {
		return nil, fmt.Errorf("config: unknown sink type %q", typ)
	}
	return f, nil
}
