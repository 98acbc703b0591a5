package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/agent/internal/buffer"
	"github.com/fluxgate/agent/internal/diskbuffer"
	"github.com/fluxgate/agent/internal/event"
	"github.com/fluxgate/agent/internal/fanout"
	"github.com/fluxgate/agent/internal/membuffer"
	"github.com/fluxgate/agent/internal/shutdown"
)

const defaultTransformQueueCapacity = 1024

type metrics struct {
	reloads          prometheus.Counter
	reloadFailures   prometheus.Counter
	reloadLatencyP50 prometheus.Gauge
	reloadLatencyP99 prometheus.Gauge
	componentsTotal  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		reloads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "topology_reloads_total",
			Help: "Config reloads applied.",
		}),
		reloadFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "topology_reload_failures_total",
			Help: "Config reloads rejected at validation or build.",
		}),
		reloadLatencyP50: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "topology_reload_latency_microseconds_p50",
			Help: "p50 latency of a completed reload.",
		}),
		reloadLatencyP99: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "topology_reload_latency_microseconds_p99",
			Help: "p99 latency of a completed reload.",
		}),
		componentsTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "topology_components",
			Help: "Currently running components.",
		}),
	}
}

// node is a single running (or built-but-not-started) component and the
// bookkeeping the supervisor needs to wire, reload, and shut it down.
type node struct {
	id   string
	kind shutdown.Kind

	fingerprint string
	inputs      []string // upstream component ids, empty for sources

	fan *fanout.Fanout // non-nil for sources and transforms
	in  buffer.Buffer  // non-nil for transforms and sinks

	cancel  context.CancelFunc
	trigger *shutdown.Trigger

	run func(ctx context.Context) error
}

// Topology owns every running component, the shutdown coordinator, and
// the fanout/buffer wiring between them (spec §4.8).
type Topology struct {
	mu    sync.Mutex
	nodes map[string]*node
	cfg   Config

	coordinator *shutdown.Coordinator
	logger      log.Logger
	reg         prometheus.Registerer
	m           *metrics
	hist        *hdrhistogram.Histogram
	histMu      sync.Mutex

	rootCtx    context.Context
	rootCancel context.CancelFunc
	g          *errgroup.Group
	runErr     chan error
}

// Option configures a Topology.
type Option func(*Topology)

// WithLogger sets the logger used for lifecycle and reload events.
func WithLogger(l log.Logger) Option { return func(t *Topology) { t.logger = l } }

// WithMetrics registers Prometheus metrics under reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(t *Topology) { t.reg = reg } }

// Build validates cfg and instantiates every component (spec §4.8
// build()). It returns healthcheck warnings (non-fatal unless
// cfg.RequireHealthy) or an error if validation or any component's
// factory fails — build is all-or-nothing, matching the reload
// algorithm's own build-stage rule.
func Build(ctx context.Context, cfg Config, opts ...Option) (*Topology, []string, error) {
	if verr := validate(&cfg); verr != nil {
		return nil, nil, verr
	}

	t := &Topology{
		nodes:  make(map[string]*node),
		cfg:    cfg,
		logger: log.NewNopLogger(),
		reg:    prometheus.NewRegistry(),
		hist:   hdrhistogram.New(1, 60_000_000, 3),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.m = newMetrics(t.reg)
	t.coordinator = shutdown.New(shutdown.WithLogger(t.logger))

	built, warnings, err := t.buildNodes(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	t.attachAll(built, built)
	for id, n := range built {
		t.nodes[id] = n
	}
	t.m.componentsTotal.Set(float64(len(t.nodes)))

	return t, warnings, nil
}

// buildNodes constructs a node (runner, fanout, input buffer, trigger)
// for every component named across the three config sections,
// concurrently. If any factory fails it returns an error, discards the
// nodes already built and closes their input buffers, leaving the running
// topology untouched (spec §4.8 point 3: "abort the reload with no changes
// applied").
func (t *Topology) buildNodes(ctx context.Context, cfg Config) (map[string]*node, []string, error) {
	type result struct {
		id   string
		n    *node
		warn string
		err  error
	}

	total := len(cfg.Sources) + len(cfg.Transforms) + len(cfg.Sinks)
	results := make(chan result, total)

	g, gctx := errgroup.WithContext(ctx)
	for id, s := range cfg.Sources {
		id, s := id, s
		g.Go(func() error {
			runner, err := s.Factory.Build(gctx)
			if err != nil {
				results <- result{id: id, err: fmt.Errorf("source %q: %w", id, err)}
				return nil
			}
			n := &node{
				id:          id,
				kind:        shutdown.Source,
				fingerprint: s.Fingerprint,
				fan:         fanout.New(id, fanout.WithLogger(t.logger), fanout.WithMetrics(t.reg)),
			}
			n.run = func(ctx context.Context) error { return runner.Run(ctx, n.fan) }
			results <- result{id: id, n: n}
			return nil
		})
	}
	for id, tr := range cfg.Transforms {
		id, tr := id, tr
		g.Go(func() error {
			runner, err := tr.Factory.Build(gctx)
			if err != nil {
				results <- result{id: id, err: fmt.Errorf("transform %q: %w", id, err)}
				return nil
			}
			n := &node{
				id:          id,
				kind:        shutdown.Transform,
				fingerprint: tr.Fingerprint,
				inputs:      tr.Inputs,
				fan:         fanout.New(id, fanout.WithLogger(t.logger), fanout.WithMetrics(t.reg)),
				in:          membuffer.New(defaultTransformQueueCapacity, membuffer.Block, t.reg, id),
			}
			n.run = func(ctx context.Context) error { return runner.Run(ctx, n.in, n.fan) }
			results <- result{id: id, n: n}
			return nil
		})
	}
	for id, sk := range cfg.Sinks {
		id, sk := id, sk
		g.Go(func() error {
			runner, hc, err := sk.Factory.Build(gctx)
			if err != nil {
				results <- result{id: id, err: fmt.Errorf("sink %q: %w", id, err)}
				return nil
			}
			in, err := newSinkBuffer(id, sk.Buffer, t.reg)
			if err != nil {
				results <- result{id: id, err: fmt.Errorf("sink %q: buffer: %w", id, err)}
				return nil
			}
			n := &node{
				id:          id,
				kind:        shutdown.Sink,
				fingerprint: sk.Fingerprint,
				inputs:      sk.Inputs,
				in:          in,
			}
			n.run = func(ctx context.Context) error { return runner.Run(ctx, n.in) }

			var warn string
			if hc != nil && sk.Healthcheck.Enabled {
				if herr := hc(gctx); herr != nil {
					if cfg.RequireHealthy {
						results <- result{id: id, err: fmt.Errorf("sink %q: healthcheck failed: %w", id, herr)}
						return nil
					}
					warn = fmt.Sprintf("sink %q: healthcheck failed: %v", id, herr)
				}
			}
			results <- result{id: id, n: n, warn: warn}
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	out := make(map[string]*node, total)
	var warnings []string
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		out[r.id] = r.n
		if r.warn != "" {
			warnings = append(warnings, r.warn)
		}
	}
	if len(errs) > 0 {
		for _, n := range out {
			if n.in != nil {
				_ = n.in.Close()
			}
		}
		t.m.reloadFailures.Inc()
		return nil, nil, fmt.Errorf("topology: build failed: %w (and %d more)", errs[0], len(errs)-1)
	}
	return out, warnings, nil
}

func newSinkBuffer(id string, bc BufferConfig, reg prometheus.Registerer) (buffer.Buffer, error) {
	switch bc.Kind {
	case DiskBuffer:
		// Disk buffers always apply backpressure once full; WhenFull
		// only governs memory buffers (spec §6 describes when_full as
		// a memory-buffer overflow policy).
		return diskbuffer.Open(bc.DiskDir, diskbuffer.Options{
			MaxSegmentBytes: bc.MaxSegmentBytes,
			MaxTotalBytes:   uint64(bc.MaxBytes),
			Registerer:      reg,
		})
	default:
		capacity := bc.MaxEvents
		if capacity <= 0 {
			capacity = defaultTransformQueueCapacity
		}
		policy := membuffer.Block
		if bc.WhenFull == DropNewest {
			policy = membuffer.DropNewest
		}
		return membuffer.New(capacity, policy, reg, id), nil
	}
}

// attachAll wires every downstream node's input into each of its
// referenced upstreams' fanouts, using Add when the upstream's fanout
// instance is new (every node in upstreamsNew) and Replace when the
// upstream fanout already existed and only the downstream changed.
// downstreams is the full set of nodes whose wiring should be
// (re-)established — on first Build this is every node; on Reload it is
// the added/changed/unchanged set whose upstream edges may have moved to
// a new fanout instance.
func (t *Topology) attachAll(upstreamsNew map[string]*node, downstreams map[string]*node) {
	for id, n := range downstreams {
		if n.in == nil {
			continue // sources have no inputs
		}
		for _, up := range n.inputs {
			var upNode *node
			var isNewUpstream bool
			if un, ok := upstreamsNew[up]; ok {
				upNode = un
				isNewUpstream = true
			} else if un, ok := t.nodes[up]; ok {
				upNode = un
			}
			if upNode == nil || upNode.fan == nil {
				continue
			}
			if isNewUpstream {
				_ = upNode.fan.Add(id, n.in)
			} else if _, changed := upstreamsNew[id]; changed {
				if err := upNode.fan.Replace(id, n.in); err != nil {
					_ = upNode.fan.Add(id, n.in)
				}
			}
		}
	}
}

// Start spawns every built component's task under a single errgroup
// derived from ctx (spec DOMAIN STACK: "Supervisor.start() spawns
// source/transform/sink tasks under an errgroup.Group derived from the
// shutdown context"). Start returns once every task has been launched;
// call Wait to block until the topology stops running.
func (t *Topology) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rootCtx, t.rootCancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(t.rootCtx)
	t.g = g
	t.runErr = make(chan error, 1)

	for _, n := range t.nodes {
		t.startNodeLocked(gctx, n)
	}

	go func() { t.runErr <- t.g.Wait() }()
	return nil
}

func (t *Topology) startNodeLocked(ctx context.Context, n *node) {
	n.trigger = t.coordinator.Register(n.id, n.kind)
	nodeCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go func() {
		select {
		case <-n.trigger.Stopping():
			cancel()
		case <-n.trigger.Forced():
			cancel()
		case <-nodeCtx.Done():
		}
	}()

	run := n.run
	trigger := n.trigger
	t.g.Go(func() error {
		err := run(nodeCtx)
		trigger.Done()
		if err != nil {
			level.Error(t.logger).Log("msg", "component exited with error", "component", n.id, "err", err)
		}
		return err
	})
}

// Wait blocks until every component task has exited (normally only
// after Stop), returning the first non-nil task error, if any.
func (t *Topology) Wait() error {
	return <-t.runErr
}

// Stop drains the topology in topological order with deadline
// force-cancellation (spec §4.9), then closes every input buffer,
// finalizing any events still pending in a force-cancelled component's
// queue as Errored.
func (t *Topology) Stop(ctx context.Context, deadline time.Duration) error {
	forced, err := t.coordinator.Stop(ctx, deadline)
	if err != nil {
		return err
	}

	forcedSet := make(map[string]bool, len(forced))
	for _, f := range forced {
		forcedSet[f.ID] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, n := range t.nodes {
		if n.in == nil {
			continue
		}
		if forcedSet[id] {
			drainAsErrored(ctx, n.in)
		}
		_ = n.in.Close()
	}
	if t.rootCancel != nil {
		t.rootCancel()
	}
	return nil
}

// drainAsErrored pulls any already-buffered batches out of in and
// reports them Errored, matching spec §4.9: "A sink that has not
// drained within deadline is force-cancelled and its unacknowledged
// events are reported to their finalizers as Errored."
func drainAsErrored(ctx context.Context, in buffer.Buffer) {
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	for {
		arr, err := in.Recv(drainCtx)
		if err != nil {
			return
		}
		for _, e := range arr.Events {
			e.Finalize(event.Errored)
		}
	}
}

// Reload computes the diff against the running config and applies it:
// build every added-or-changed component first (all-or-nothing; the
// running topology is untouched if any fails), then remove the
// superseded components, then attach the new wiring and start the new
// tasks. Build is ordered before Remove — see DESIGN.md's Open Question
// decision: removing a component before its replacement is known to
// build successfully would make a failed reload destructive, not
// all-or-nothing.
func (t *Topology) Reload(ctx context.Context, newCfg Config) ([]string, error) {
	start := time.Now()
	defer func() { t.recordReloadLatency(time.Since(start)) }()

	if verr := validate(&newCfg); verr != nil {
		t.m.reloadFailures.Inc()
		return nil, verr
	}

	t.mu.Lock()
	oldCfg := t.cfg
	added, changed, removed, unchanged := diff(t.cfg, newCfg)
	t.mu.Unlock()

	t.warnReloadResourceOverlap(oldCfg, newCfg, changed)

	toBuild := Config{
		Sources:    map[string]SourceSpec{},
		Transforms: map[string]TransformSpec{},
		Sinks:      map[string]SinkSpec{},
	}
	for _, id := range append(added.sources, changed.sources...) {
		toBuild.Sources[id] = newCfg.Sources[id]
	}
	for _, id := range append(added.transforms, changed.transforms...) {
		toBuild.Transforms[id] = newCfg.Transforms[id]
	}
	for _, id := range append(added.sinks, changed.sinks...) {
		toBuild.Sinks[id] = newCfg.Sinks[id]
	}
	toBuild.RequireHealthy = newCfg.RequireHealthy

	built, warnings, err := t.buildNodes(ctx, toBuild)
	if err != nil {
		t.m.reloadFailures.Inc()
		return nil, fmt.Errorf("reload aborted, no changes applied: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Remove phase: superseded instances of removed and changed
	// components.
	for _, id := range append(append([]string{}, removed.sources...), removed.transforms...) {
		t.removeNodeLocked(id)
	}
	for _, id := range removed.sinks {
		t.removeNodeLocked(id)
	}
	for _, id := range append(append([]string{}, changed.sources...), changed.transforms...) {
		t.removeNodeLocked(id)
	}
	for _, id := range changed.sinks {
		t.removeNodeLocked(id)
	}

	for id, n := range built {
		t.nodes[id] = n
	}

	// Attach phase: wire new fanout instances to every downstream
	// (added, changed, and unchanged), and Replace changed
	// transforms/sinks on every upstream whose fanout persisted.
	downstreams := make(map[string]*node)
	for id, n := range t.nodes {
		downstreams[id] = n
	}
	t.attachAll(built, downstreams)

	gctx := t.rootCtx
	if gctx == nil {
		gctx = ctx
	}
	for _, n := range built {
		t.startNodeLocked(gctx, n)
	}

	t.cfg = newCfg
	t.m.componentsTotal.Set(float64(len(t.nodes)))
	t.m.reloads.Inc()

	level.Info(t.logger).Log("msg", "reload applied", "generation", uuid.NewString(),
		"added", len(added.sources)+len(added.transforms)+len(added.sinks),
		"changed", len(changed.sources)+len(changed.transforms)+len(changed.sinks),
		"removed", len(removed.sources)+len(removed.transforms)+len(removed.sinks),
		"unchanged", len(unchanged.sources)+len(unchanged.transforms)+len(unchanged.sinks))

	return warnings, nil
}

// warnReloadResourceOverlap logs when a changed source or sink's
// replacement claims a network resource its still-running predecessor
// also claims. Build runs before Remove, so the old and new instance of
// a changed component are briefly both alive and may both try to bind
// the same resource at once. Detection only: resolving the bind itself
// (e.g. via SO_REUSEPORT) is left to the plugin.
func (t *Topology) warnReloadResourceOverlap(oldCfg, newCfg Config, changed idSet) {
	for _, id := range changed.sources {
		old, ok := oldCfg.Sources[id]
		if !ok {
			continue
		}
		warnResourceOverlap(t.logger, id, old.Factory.Resources(), newCfg.Sources[id].Factory.Resources())
	}
	for _, id := range changed.sinks {
		old, ok := oldCfg.Sinks[id]
		if !ok {
			continue
		}
		warnResourceOverlap(t.logger, id, old.Factory.Resources(), newCfg.Sinks[id].Factory.Resources())
	}
}

func warnResourceOverlap(logger log.Logger, id string, oldRes, newRes []Resource) {
	for _, o := range oldRes {
		for _, n := range newRes {
			if o.conflictsWith(n) {
				level.Warn(logger).Log("msg", "reload replacement claims a resource its predecessor still holds",
					"component", id, "protocol", o.Protocol, "port", o.Port)
			}
		}
	}
}

func (t *Topology) removeNodeLocked(id string) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for up := range t.nodes {
		if t.nodes[up].fan != nil {
			t.nodes[up].fan.Remove(id)
		}
	}
	if n.trigger != nil {
		t.coordinator.Unregister(id)
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.in != nil {
		_ = n.in.Close()
	}
	delete(t.nodes, id)
}

func (t *Topology) recordReloadLatency(d time.Duration) {
	us := d.Microseconds()
	if us <= 0 {
		us = 1
	}
	t.histMu.Lock()
	_ = t.hist.RecordValue(us)
	p50 := t.hist.ValueAtQuantile(50)
	p99 := t.hist.ValueAtQuantile(99)
	t.histMu.Unlock()
	t.m.reloadLatencyP50.Set(float64(p50))
	t.m.reloadLatencyP99.Set(float64(p99))
}
