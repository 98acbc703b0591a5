// Package buffer defines the narrow contract both the disk-backed buffer
// (internal/diskbuffer) and the in-memory buffer (internal/membuffer)
// implement, so the topology can treat either uniformly (spec §4.7:
// "exposes the same send/recv/ack interface as the disk buffer").
package buffer

import (
	"context"
	"errors"
	"io"

	"github.com/fluxgate/agent/internal/event"
)

// ErrClosed is returned by Send once the buffer has been closed, and by
// Recv once it has been closed and drained.
var ErrClosed = errors.New("buffer: closed")

// Buffer is the common interface a sink's inbound queue satisfies,
// whether disk- or memory-backed. It embeds io.Closer to keep the
// interface narrow.
type Buffer interface {
	io.Closer

	// Send enqueues arr, blocking for capacity per the buffer's overflow
	// policy. Returns ErrClosed if the buffer is closed concurrently.
	Send(ctx context.Context, arr event.EventArray) error

	// Recv returns the next EventArray in order, or ErrClosed once the
	// buffer is closed and drained.
	Recv(ctx context.Context) (event.EventArray, error)

	// Ack acknowledges n additional records as durably processed
	// downstream (spec §4.5). Buffers without acknowledgement tracking
	// (e.g. a memory buffer with acks disabled) may treat this as a
	// no-op.
	Ack(n uint64) error
}
