// Package record implements the on-disk record framing described for the
// durable buffer: a big-endian length delimiter followed by a checksummed,
// versioned archive of [record_id][metadata][checksum][payload].
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// lengthPrefixLen is the size of the outer length delimiter that precedes
// every archived record on disk.
const lengthPrefixLen = 8

// headerLen is the size of the archive header that precedes the payload:
// record_id (8) + metadata (4) + checksum (4).
const headerLen = 16

// FrameLen returns the total number of bytes the frame for a payload of the
// given length occupies on disk, including the length delimiter.
func FrameLen(payloadLen int) int {
	return lengthPrefixLen + headerLen + payloadLen
}

// castagnoli is the CRC32C polynomial table used for record checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Errors returned by Decode. These are terminal for the current segment but
// recoverable by skipping to the next one (spec §4.1).
var (
	// ErrBadFormat indicates the frame could not be parsed at all.
	ErrBadFormat = errors.New("record: bad format")
	// ErrBadChecksum indicates the frame parsed but its checksum did not
	// match the archived payload.
	ErrBadChecksum = errors.New("record: checksum mismatch")
	// ErrIncompatibleMetadata indicates the frame's metadata bits are not
	// understood or not accepted by the caller.
	ErrIncompatibleMetadata = errors.New("record: incompatible metadata")
)

// MetadataFn validates metadata bits that the format itself understands.
// Returning a non-nil error rejects the record with ErrIncompatibleMetadata.
type MetadataFn func(metadata uint32) error

// Encode frames payload with the given record ID and metadata bits. The
// returned slice is ready to be appended to a segment file.
func Encode(payload []byte, recordID uint64, metadata uint32) []byte {
	buf := make([]byte, FrameLen(len(payload)))

	binary.BigEndian.PutUint64(buf[0:8], uint64(headerLen+len(payload)))
	binary.BigEndian.PutUint64(buf[8:16], recordID)
	binary.BigEndian.PutUint32(buf[16:20], metadata)
	copy(buf[lengthPrefixLen+headerLen:], payload)

	sum := checksum(recordID, metadata, payload)
	binary.BigEndian.PutUint32(buf[20:24], sum)

	return buf
}

func checksum(recordID uint64, metadata uint32, payload []byte) uint32 {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], recordID)
	binary.BigEndian.PutUint32(hdr[8:12], metadata)

	h := crc32.New(castagnoli)
	h.Write(hdr[:])
	h.Write(payload)
	return h.Sum32()
}

// Record is a successfully decoded frame.
type Record struct {
	ID       uint64
	Metadata uint32
	Payload  []byte
}

// DecodeLength parses the 8-byte big-endian length delimiter. A length of
// zero is a hard format error that terminates the current segment per spec
// §4.1 ("record length was zero").
func DecodeLength(b []byte) (int, error) {
	if len(b) < lengthPrefixLen {
		return 0, fmt.Errorf("%w: short length prefix (%d bytes)", ErrBadFormat, len(b))
	}
	n := binary.BigEndian.Uint64(b[:lengthPrefixLen])
	if n == 0 {
		return 0, fmt.Errorf("%w: record length was zero", ErrBadFormat)
	}
	if n > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: record length %d implausibly large", ErrBadFormat, n)
	}
	return int(n), nil
}

// Decode parses an archived record (the bytes following the length
// delimiter, i.e. header+payload) and validates its checksum. accept, if
// non-nil, is consulted on the metadata bits before the record is returned.
func Decode(archive []byte, accept MetadataFn) (Record, error) {
	if len(archive) < headerLen {
		return Record{}, fmt.Errorf("%w: archive too short for header (%d bytes)", ErrBadFormat, len(archive))
	}

	id := binary.BigEndian.Uint64(archive[0:8])
	metadata := binary.BigEndian.Uint32(archive[8:12])
	wantSum := binary.BigEndian.Uint32(archive[12:16])
	payload := archive[headerLen:]

	gotSum := checksum(id, metadata, payload)
	if gotSum != wantSum {
		return Record{}, fmt.Errorf("%w: expected %08x, got %08x", ErrBadChecksum, wantSum, gotSum)
	}

	if accept != nil {
		if err := accept(metadata); err != nil {
			return Record{}, fmt.Errorf("%w: %s", ErrIncompatibleMetadata, err)
		}
	}

	out := Record{ID: id, Metadata: metadata, Payload: make([]byte, len(payload))}
	copy(out.Payload, payload)
	return out, nil
}

// KnownBits rejects metadata bits outside the set the format currently
// understands; bits known to the format but rejected by a consumer-supplied
// predicate still surface as ErrIncompatibleMetadata with a distinct cause
// (spec §4.1).
func KnownBits(maxKnown uint32) MetadataFn {
	return func(metadata uint32) error {
		if metadata > maxKnown {
			return fmt.Errorf("invalid metadata for this version (max known %#x, got %#x)", maxKnown, metadata)
		}
		return nil
	}
}

// Accept builds a MetadataFn that only allows metadata bits exactly equal to
// one of the given accepted values; anything else is reported as
// "record metadata not supported" per spec scenario S5.
func Accept(accepted ...uint32) MetadataFn {
	set := make(map[uint32]struct{}, len(accepted))
	for _, a := range accepted {
		set[a] = struct{}{}
	}
	return func(metadata uint32) error {
		if _, ok := set[metadata]; !ok {
			return fmt.Errorf("record metadata not supported: %#b", metadata)
		}
		return nil
	}
}
