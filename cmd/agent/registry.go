package main

import (
	"gopkg.in/yaml.v3"

	"github.com/fluxgate/agent/internal/config"
	"github.com/fluxgate/agent/internal/plugins"
	"github.com/fluxgate/agent/internal/topology"
)

// builtinRegistry registers the agent binary's only shipped plugin
// types. A real deployment links in real source/sink implementations
// the same way; this keeps `run`/`validate` usable against a document
// that only names the two built-ins.
func builtinRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSource("stdin", func(settings yaml.Node) (topology.Source, error) {
		return plugins.StdinSource{}, nil
	})
	reg.RegisterSink("console", func(settings yaml.Node) (topology.Sink, error) {
		return plugins.ConsoleSink{}, nil
	})
	return reg
}
