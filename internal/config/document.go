// Package config parses the agent's declarative topology document (spec
// §6) and compiles it into a topology.Config that internal/topology can
// build and diff. Plugin settings are kept as raw yaml.Node values and
// only decoded once a Registry resolves their "type" field to a concrete
// factory constructor — the core parses the document shape without
// knowing any concrete source/transform/sink type (spec §6: plugins are
// "consumed, not defined, by the core").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the fully-parsed, pre-compile topology description (spec
// §6's top-level keys: sources, transforms, sinks, enrichment_tables,
// tests, api, healthchecks).
type Document struct {
	Sources          map[string]SourceDoc    `yaml:"sources"`
	Transforms       map[string]TransformDoc `yaml:"transforms"`
	Sinks            map[string]SinkDoc      `yaml:"sinks"`
	EnrichmentTables map[string]yaml.Node    `yaml:"enrichment_tables"`
	Tests            []TestCase              `yaml:"tests"`
	API              APIConfig               `yaml:"api"`
	Healthchecks     HealthchecksConfig      `yaml:"healthchecks"`
}

// APIConfig is the top-level `api` block (address/enablement for the
// agent's own control surface). It is parsed only: neither cmd/agent nor
// topology reads it.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HealthchecksConfig is the top-level `healthchecks` block governing
// whether a failing sink healthcheck aborts a build/reload or only warns
// (spec SUPPLEMENTED FEATURES: default warn-only, opt into strict).
type HealthchecksConfig struct {
	RequireHealthy bool `yaml:"require_healthy"`
}

// ProxyConfig is a sink's `proxy` passthrough block (spec §6 names it
// without describing it further; original_source's proxy config is a
// plain passthrough struct handed opaquely to the sink plugin).
type ProxyConfig struct {
	HTTPProxy  string `yaml:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy"`
	NoProxy    string `yaml:"no_proxy"`
}

// AcknowledgementsDoc is a sink's `acknowledgements` block.
type AcknowledgementsDoc struct {
	Enabled bool `yaml:"enabled"`
}

// BufferDoc is a sink's `buffer` block (spec §6: "buffer: { type:
// memory|disk, max_events|max_bytes, when_full: block|drop_newest }").
type BufferDoc struct {
	Type            string `yaml:"type"` // "memory" or "disk"
	MaxEvents       int    `yaml:"max_events"`
	MaxBytes        int64  `yaml:"max_bytes"`
	WhenFull        string `yaml:"when_full"` // "block" or "drop_newest"
	Dir             string `yaml:"dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
}

// HealthcheckDoc is a sink's `healthcheck` block.
type HealthcheckDoc struct {
	Enabled bool   `yaml:"enabled"`
	URI     string `yaml:"uri"`
}

// TestCase is one entry of the top-level `tests` key: a declarative
// input/output assertion against the built topology (spec §6 lists
// `tests` without describing its shape further; SUPPLEMENTED FEATURES
// parses it for a valid document but leaves execution to the CLI's
// `validate` surface, not implemented here).
type TestCase struct {
	Name    string   `yaml:"name"`
	Input   yaml.Node `yaml:"input"`
	Outputs []string `yaml:"outputs"`
}

// sourceHeader/transformHeader/sinkHeader capture the fields common to
// every component entry so a custom UnmarshalYAML can pull them out
// while keeping the full node around for the plugin-specific fields
// (mirrors sakateka-yanet2/controlplane/yncp's UnmarshalYAML-as-proxy
// pattern: decode known fields, keep the raw node for what only the
// plugin understands).
type sourceHeader struct {
	Type string `yaml:"type"`
}

// SourceDoc is one entry under the top-level `sources` key.
type SourceDoc struct {
	Type     string
	Settings yaml.Node
}

// UnmarshalYAML decodes the common `type` field and retains the whole
// node as Settings, so a registered factory can decode its own
// type-specific fields (including `type`, which it ignores) directly
// from the original document.
func (d *SourceDoc) UnmarshalYAML(node *yaml.Node) error {
	var h sourceHeader
	if err := node.Decode(&h); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	d.Type = h.Type
	d.Settings = *node
	return nil
}

type transformHeader struct {
	Type   string   `yaml:"type"`
	Inputs []string `yaml:"inputs"`
}

// TransformDoc is one entry under the top-level `transforms` key.
type TransformDoc struct {
	Type     string
	Inputs   []string
	Settings yaml.Node
}

func (d *TransformDoc) UnmarshalYAML(node *yaml.Node) error {
	var h transformHeader
	if err := node.Decode(&h); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	d.Type = h.Type
	d.Inputs = h.Inputs
	d.Settings = *node
	return nil
}

type sinkHeader struct {
	Type             string              `yaml:"type"`
	Inputs           []string            `yaml:"inputs"`
	Buffer           BufferDoc           `yaml:"buffer"`
	Healthcheck      HealthcheckDoc      `yaml:"healthcheck"`
	Proxy            ProxyConfig         `yaml:"proxy"`
	Acknowledgements AcknowledgementsDoc `yaml:"acknowledgements"`
}

// SinkDoc is one entry under the top-level `sinks` key.
type SinkDoc struct {
	Type             string
	Inputs           []string
	Buffer           BufferDoc
	Healthcheck      HealthcheckDoc
	Proxy            ProxyConfig
	Acknowledgements AcknowledgementsDoc
	Settings         yaml.Node
}

func (d *SinkDoc) UnmarshalYAML(node *yaml.Node) error {
	var h sinkHeader
	if err := node.Decode(&h); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	d.Type = h.Type
	d.Inputs = h.Inputs
	d.Buffer = h.Buffer
	d.Healthcheck = h.Healthcheck
	d.Proxy = h.Proxy
	d.Acknowledgements = h.Acknowledgements
	d.Settings = *node
	return nil
}

// Load reads and parses a document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}
