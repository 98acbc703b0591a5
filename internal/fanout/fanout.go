// Package fanout implements the one-to-many event dispatcher that sits
// between a component's output and each of its downstream consumers
// (spec §4.6): a control plane of Add/Remove/Replace against a named
// subscriber set, and a data plane that clones a batch to every current
// subscriber and applies backpressure by awaiting capacity on the
// slowest one.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/agent/internal/event"
)

// Sender is the subset of buffer.Buffer a fanout subscriber needs to
// satisfy (spec §4.6: "bounded_channel_sender"). Both internal/membuffer
// and internal/diskbuffer's Buffer types satisfy this directly.
type Sender interface {
	Send(ctx context.Context, arr event.EventArray) error
}

// ErrExists is returned by Add when name is already subscribed.
type ErrExists string

func (e ErrExists) Error() string { return fmt.Sprintf("fanout: subscriber %q already exists", string(e)) }

// ErrNotFound is returned by Replace when name has no existing subscriber.
type ErrNotFound string

func (e ErrNotFound) Error() string { return fmt.Sprintf("fanout: subscriber %q not found", string(e)) }

type metrics struct {
	sendLatencyUsP50 prometheus.Gauge
	sendLatencyUsP99 prometheus.Gauge
	subscriberCount  prometheus.Gauge
	sendErrors       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	labels := prometheus.Labels{"fanout": name}
	return &metrics{
		sendLatencyUsP50: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_send_latency_microseconds_p50",
			Help:        "p50 latency of Send across all current subscribers.",
			ConstLabels: labels,
		}),
		sendLatencyUsP99: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_send_latency_microseconds_p99",
			Help:        "p99 latency of Send across all current subscribers.",
			ConstLabels: labels,
		}),
		subscriberCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_subscribers",
			Help:        "Current number of subscribers.",
			ConstLabels: labels,
		}),
		sendErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "fanout_send_errors_total",
			Help:        "Errors returned by a subscriber's Send.",
			ConstLabels: labels,
		}, []string{"subscriber"}),
	}
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithLogger sets the logger used for subscriber-lifecycle events.
func WithLogger(l log.Logger) Option { return func(f *Fanout) { f.logger = l } }

// WithMetrics registers Prometheus metrics under reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(f *Fanout) { f.reg = reg } }

// snapshot is the immutable subscriber set a single Send call reads
// without synchronisation (spec §5: "Fanout without locks on the data
// path" — store subscriber snapshots in an immutable shared reference
// swapped atomically on control changes).
type snapshot struct {
	subs *immutable.SortedMap[string, Sender]
}

// Fanout is a dynamic one-to-many dispatcher.
type Fanout struct {
	name string

	// s holds the current *snapshot and is read lock-free by Send. All
	// control-plane mutations go through writeMu: writers load-mutate-store
	// while holding writeMu; readers simply Load.
	s atomic.Value

	writeMu sync.Mutex

	logger log.Logger
	reg    prometheus.Registerer
	m      *metrics
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex
}

// New constructs an empty Fanout identified by name (used in metric
// labels and log lines).
func New(name string, opts ...Option) *Fanout {
	f := &Fanout{
		name:   name,
		logger: log.NewNopLogger(),
		reg:    prometheus.NewRegistry(),
		hist:   hdrhistogram.New(1, 10_000_000, 3),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.m = newMetrics(f.reg, name)
	f.s.Store(&snapshot{subs: &immutable.SortedMap[string, Sender]{}})
	return f
}

func (f *Fanout) load() *snapshot {
	return f.s.Load().(*snapshot)
}

// Add registers a new subscriber under name. Returns ErrExists if name
// is already present; use Replace to rebind an existing name.
func (f *Fanout) Add(name string, sender Sender) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	cur := f.load()
	if _, ok := cur.subs.Get(name); ok {
		return ErrExists(name)
	}
	next := &snapshot{subs: cur.subs.Set(name, sender)}
	f.s.Store(next)
	f.m.subscriberCount.Set(float64(next.subs.Len()))
	level.Debug(f.logger).Log("msg", "subscriber added", "fanout", f.name, "subscriber", name)
	return nil
}

// Remove unsubscribes name. It is a no-op if name is not present, since
// a removed transform/sink racing its own shutdown may already have
// been dropped by a concurrent reload.
func (f *Fanout) Remove(name string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	cur := f.load()
	if _, ok := cur.subs.Get(name); !ok {
		return
	}
	next := &snapshot{subs: cur.subs.Delete(name)}
	f.s.Store(next)
	f.m.subscriberCount.Set(float64(next.subs.Len()))
	level.Debug(f.logger).Log("msg", "subscriber removed", "fanout", f.name, "subscriber", name)
}

// Replace atomically swaps the Sender registered under name, without a
// window where name is briefly unsubscribed — this is how a topology
// reload rebinds a rebuilt consumer without losing its upstream's
// in-flight backpressure signal (spec §4.8 point 5). Returns
// ErrNotFound if name has no existing subscriber; use Add for a new one.
func (f *Fanout) Replace(name string, sender Sender) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	cur := f.load()
	if _, ok := cur.subs.Get(name); !ok {
		return ErrNotFound(name)
	}
	next := &snapshot{subs: cur.subs.Set(name, sender)}
	f.s.Store(next)
	level.Debug(f.logger).Log("msg", "subscriber replaced", "fanout", f.name, "subscriber", name)
	return nil
}

// Len returns the current subscriber count.
func (f *Fanout) Len() int {
	return f.load().subs.Len()
}

// Send delivers an independent clone of arr to every subscriber present
// in the snapshot taken at the start of this call (spec §4.6: "Control
// messages are processed between data sends atomically w.r.t. a single
// send call" — a subscriber added mid-batch sees only subsequent
// batches, one removed mid-batch does not receive the in-flight batch).
//
// Each subscriber is sent to concurrently; Send blocks until every
// subscriber has accepted the batch (or ctx is cancelled), so a single
// saturated subscriber applies backpressure to the whole fanout — the
// intentional head-of-line-blocking semantic (spec §4.6).
func (f *Fanout) Send(ctx context.Context, arr event.EventArray) error {
	snap := f.load()
	n := snap.subs.Len()
	if n == 0 {
		// Nothing subscribed: the batch is dropped with no references
		// ever handed out, so release it as delivered (there is no
		// downstream to report otherwise).
		for _, e := range arr.Events {
			e.Drop()
		}
		return nil
	}

	start := time.Now()

	names := make([]string, 0, n)
	senders := make([]Sender, 0, n)
	it := snap.subs.Iterator()
	for !it.Done() {
		name, sender, _ := it.Next()
		names = append(names, name)
		senders = append(senders, sender)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range senders {
		i := i
		// The first subscriber gets the original batch (its references
		// already match this one delivery); every other subscriber gets
		// an independent clone, incrementing the shared notifier so the
		// source doesn't see "delivered" until every subscriber is done
		// with its copy.
		var batch event.EventArray
		if i == 0 {
			batch = arr
		} else {
			batch = arr.Clone()
		}
		name := names[i]
		sender := senders[i]
		g.Go(func() error {
			if err := sender.Send(gctx, batch); err != nil {
				f.m.sendErrors.WithLabelValues(name).Inc()
				return fmt.Errorf("fanout %s: subscriber %s: %w", f.name, name, err)
			}
			return nil
		})
	}

	err := g.Wait()

	f.recordLatency(time.Since(start))
	return err
}

func (f *Fanout) recordLatency(d time.Duration) {
	us := d.Microseconds()
	if us <= 0 {
		us = 1
	}
	f.histMu.Lock()
	_ = f.hist.RecordValue(us)
	p50 := f.hist.ValueAtQuantile(50)
	p99 := f.hist.ValueAtQuantile(99)
	f.histMu.Unlock()
	f.m.sendLatencyUsP50.Set(float64(p50))
	f.m.sendLatencyUsP99.Set(float64(p99))
}
