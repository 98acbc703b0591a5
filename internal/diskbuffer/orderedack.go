package diskbuffer

import "sync"

// orderedAck turns out-of-order per-event finalization into the strictly
// sequential ack(n) calls the acknowledger requires (spec §4.5: "acks are
// received in order but batched"). Sinks may finalize events out of
// order (concurrent retries, parallel requests); this accumulates
// completions by record ID and drains the contiguous acked prefix.
//
// The baseline ("next") is seeded lazily from whichever record ID is
// first reported, rather than assumed to be zero: record IDs are
// monotonic for the lifetime of a buffer directory, not per reader
// session, so a long-running buffer's first post-restart ID is
// ordinarily far from zero.
type orderedAck struct {
	mu      sync.Mutex
	seeded  bool
	next    uint64
	pending map[uint64]struct{}
	onAck   func(n uint64)
}

func newOrderedAck(onAck func(n uint64)) *orderedAck {
	return &orderedAck{pending: make(map[uint64]struct{}), onAck: onAck}
}

func (o *orderedAck) seedLocked(seq uint64) {
	if !o.seeded {
		o.next = seq
		o.seeded = true
	}
}

// skip advances the baseline past n records that will never be completed
// (lost to a detected ID gap), reporting them to onAck as if delivered —
// ack(n) has no way to represent "never delivered," and the reader has
// already surfaced the loss via a Corruption event.
func (o *orderedAck) skip(at, n uint64) {
	if n == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seedLocked(at)
	if at != o.next {
		// Another path already advanced past this point; nothing to do.
		return
	}
	o.next += n
	o.drainLocked(n)
}

// complete marks record seq as finalized and drains any contiguous run
// starting at the current baseline.
func (o *orderedAck) complete(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seedLocked(seq)
	o.pending[seq] = struct{}{}
	o.drainLocked(0)
}

// drainLocked walks pending starting at o.next, deleting and counting
// each contiguous hit, then fires onAck once for however many records
// (including the initial skip count, if any) are now confirmed in order.
func (o *orderedAck) drainLocked(initial uint64) {
	n := initial
	for {
		if _, ok := o.pending[o.next]; !ok {
			break
		}
		delete(o.pending, o.next)
		o.next++
		n++
	}
	if n > 0 && o.onAck != nil {
		o.onAck(n)
	}
}
