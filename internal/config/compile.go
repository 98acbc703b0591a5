package config

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/fluxgate/agent/internal/topology"
)

// Compile resolves every component's `type` against reg, builds the
// corresponding plugin factory, and computes each component's
// Fingerprint so internal/topology can diff successive Compile results
// by settings equality (spec §9: "equality of settings ⇒ component is
// unchanged").
func (d *Document) Compile(reg *Registry) (topology.Config, error) {
	cfg := topology.Config{
		Sources:        make(map[string]topology.SourceSpec, len(d.Sources)),
		Transforms:     make(map[string]topology.TransformSpec, len(d.Transforms)),
		Sinks:          make(map[string]topology.SinkSpec, len(d.Sinks)),
		RequireHealthy: d.Healthchecks.RequireHealthy,
	}

	var problems []string

	for id, s := range d.Sources {
		factory, err := reg.source(s.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("source %q: %v", id, err))
			continue
		}
		built, err := factory(s.Settings)
		if err != nil {
			problems = append(problems, fmt.Sprintf("source %q: %v", id, err))
			continue
		}
		cfg.Sources[id] = topology.SourceSpec{
			ID:          id,
			Factory:     built,
			Fingerprint: fingerprint(s.Settings),
		}
	}

	for id, tr := range d.Transforms {
		factory, err := reg.transform(tr.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("transform %q: %v", id, err))
			continue
		}
		built, err := factory(tr.Settings)
		if err != nil {
			problems = append(problems, fmt.Sprintf("transform %q: %v", id, err))
			continue
		}
		cfg.Transforms[id] = topology.TransformSpec{
			ID:          id,
			Factory:     built,
			Inputs:      tr.Inputs,
			Fingerprint: fingerprint(tr.Settings),
		}
	}

	for id, sk := range d.Sinks {
		factory, err := reg.sink(sk.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("sink %q: %v", id, err))
			continue
		}
		built, err := factory(sk.Settings)
		if err != nil {
			problems = append(problems, fmt.Sprintf("sink %q: %v", id, err))
			continue
		}
		bufCfg, err := compileBuffer(sk.Buffer)
		if err != nil {
			problems = append(problems, fmt.Sprintf("sink %q: buffer: %v", id, err))
			continue
		}
		cfg.Sinks[id] = topology.SinkSpec{
			ID:      id,
			Factory: built,
			Inputs:  sk.Inputs,
			Buffer:  bufCfg,
			Healthcheck: topology.HealthcheckConfig{
				Enabled: sk.Healthcheck.Enabled,
				URI:     sk.Healthcheck.URI,
			},
			Fingerprint: fingerprint(sk.Settings),
		}
	}

	if len(problems) > 0 {
		return topology.Config{}, &CompileError{Problems: problems}
	}
	return cfg, nil
}

// CompileError collects every component-resolution problem found while
// compiling a Document (spec §7 Config kind: "all listed before any
// component starts").
type CompileError struct {
	Problems []string
}

func (e *CompileError) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems found", len(e.Problems))
}

func compileBuffer(b BufferDoc) (topology.BufferConfig, error) {
	out := topology.BufferConfig{
		MaxEvents:       b.MaxEvents,
		MaxBytes:        b.MaxBytes,
		DiskDir:         b.Dir,
		MaxSegmentBytes: b.MaxSegmentBytes,
	}
	switch b.Type {
	case "", "memory":
		out.Kind = topology.MemoryBuffer
	case "disk":
		out.Kind = topology.DiskBuffer
		if b.Dir == "" {
			return out, fmt.Errorf("disk buffer requires dir")
		}
	default:
		return out, fmt.Errorf("unknown buffer type %q", b.Type)
	}
	switch b.WhenFull {
	case "", "block":
		out.WhenFull = topology.Block
	case "drop_newest":
		out.WhenFull = topology.DropNewest
	default:
		return out, fmt.Errorf("unknown when_full policy %q", b.WhenFull)
	}
	return out, nil
}

// fingerprint is the canonical-serialized form two successive Compile
// calls compare to decide whether a component is unchanged (spec §9).
// Re-marshaling the settings node back to YAML is deterministic for a
// given parsed document, so two documents producing byte-identical
// settings always fingerprint identically; xxhash keeps the stored
// value small without needing cryptographic collision resistance, which
// nothing here requires.
func fingerprint(node yaml.Node) string {
	b, err := yaml.Marshal(&node)
	if err != nil {
		// Marshal of an already-parsed node practically never fails;
		// falling back to the node's own Value keeps Compile total.
		return node.Value
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
