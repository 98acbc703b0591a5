// Package segment implements the durable buffer's append-only data files
// (spec §4.3 Segment Writer, §4.4 Segment Reader): binary framing on disk,
// size-capped rolling, startup tail recovery, and ordered cross-segment
// reading with corruption/partial-write handling.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fluxgate/agent/internal/record"
)

// fileNameDigits matches spec §6: "buffer-data-<N>.dat — zero-padded
// 16-digit segment files."
const fileNameDigits = 16

// FileName returns the on-disk file name for segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("buffer-data-%0*d.dat", fileNameDigits, id)
}

// Path returns the full path to segment id within dir.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, FileName(id))
}

// sentinel is the zero-length delimiter a segment gets appended with when
// it is closed cleanly (via roll or graceful shutdown). The reader treats
// it like any other zero-length prefix: a BadFormat error that rolls to
// the next segment.
var sentinel = [8]byte{}

func writeSentinel(f *os.File) error {
	_, err := f.Write(sentinel[:])
	return err
}

// IDAllocator is the subset of *ledger.Ledger the writer needs for record-ID
// bookkeeping, isolated as an interface so segment tests don't need a real
// ledger.
type IDAllocator interface {
	AllocateRecordID() uint64
	NextRecordID() uint64
	SetNextRecordID(id uint64)
	AdvanceRecordID(delta uint64)
}

// PendingDeletion records a sealed segment the reader has fully consumed
// but that is not yet safe to delete until the acknowledger confirms all
// its records were durably processed downstream (spec §4.4 "rolling to
// next segment").
type PendingDeletion struct {
	SegmentID      uint64
	HighestRecord  uint64
	BytesRead      uint64
	FileBytes      uint64
	Path           string
}

// Corruption describes a non-fatal reader error surfaced for telemetry
// (spec §4.4 point 5 and the "supplemented" gap-reporting behaviour in
// SPEC_FULL.md).
type Corruption struct {
	SegmentID uint64
	Kind      CorruptionKind
	GapSize   uint64
	Err       error
}

// CorruptionKind enumerates the reasons a Corruption event was emitted.
type CorruptionKind int

const (
	// CorruptBadFrame means the reader hit a BadFormat/BadChecksum frame.
	CorruptBadFrame CorruptionKind = iota
	// CorruptPartialWrite means a sealed segment ended mid-record.
	CorruptPartialWrite
	// CorruptGap means a record-ID gap was detected between reads.
	CorruptGap
)

func (k CorruptionKind) String() string {
	switch k {
	case CorruptBadFrame:
		return "bad_frame"
	case CorruptPartialWrite:
		return "partial_write"
	case CorruptGap:
		return "gap"
	default:
		return "unknown"
	}
}

var (
	// ErrPartialWrite is returned when a sealed (non-writer) segment ends
	// with bytes that cannot form a complete record (spec §4.4).
	ErrPartialWrite = errors.New("segment: partial write detected")
)

// tailScan is the result of scanning a segment file from the start looking
// for the last complete record (used by writer-startup recovery).
type tailScan struct {
	lastGoodID  uint64
	hasRecord   bool
	corruptTail bool
	bytesValid  int64 // bytes consumed by complete, valid frames
	// hitZeroDelimiter is set when scanning stopped at a zero-length
	// delimiter already physically present in the file (either a prior
	// clean-close sentinel or corruption of the length field itself —
	// indistinguishable on disk). Either way, resuming append-mode writes
	// on this segment would write new frames after that stray delimiter
	// instead of in its place, orphaning it mid-stream; the writer must
	// roll to a fresh segment instead of reusing this tail.
	hitZeroDelimiter bool
}

// scanFile reads path frame-by-frame from the beginning, stopping at the
// first zero-length delimiter (clean end) or any decode failure.
func scanFile(path string) (tailScan, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tailScan{}, nil
		}
		return tailScan{}, err
	}
	defer f.Close()

	var out tailScan
	var offset int64
	lenBuf := make([]byte, 8)

	for {
		n, err := io.ReadFull(f, lenBuf)
		if err == io.EOF {
			break // clean end, nothing left at all
		}
		if err == io.ErrUnexpectedEOF || (err != nil && n > 0) {
			out.corruptTail = true
			break
		}
		if err != nil {
			return out, err
		}

		length, lerr := record.DecodeLength(lenBuf)
		if lerr != nil {
			// Zero-length delimiter: either the clean-close sentinel or
			// genuine corruption of the length field itself. Either way
			// scanning stops here; it's not treated as a corrupt tail for
			// writer-recovery purposes since no record claims that space,
			// but the writer must still know not to append past it in
			// place (see hitZeroDelimiter's doc comment).
			out.hitZeroDelimiter = true
			break
		}

		archive := make([]byte, length)
		if _, err := io.ReadFull(f, archive); err != nil {
			out.corruptTail = true
			break
		}

		rec, derr := record.Decode(archive, nil)
		if derr != nil {
			out.corruptTail = true
			break
		}

		out.lastGoodID = rec.ID
		out.hasRecord = true
		out.corruptTail = false
		offset += 8 + int64(length)
		out.bytesValid = offset
	}

	return out, nil
}

// ctxDone is a small helper so callers can check cancellation without
// importing context everywhere scanFile-adjacent code lives.
func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
