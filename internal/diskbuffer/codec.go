package diskbuffer

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// transport is the on-disk shape of a single event: payload bytes plus
// its field map. gob is used here rather than a pack dependency because
// event fields are a free-form map[string]any the producer/consumer
// agree on only at the Go type level — gob is the standard-library
// codec built precisely for that self-describing, schema-free case, and
// no third-party library in the pack offers a schema-free encoder that
// improves on it (see DESIGN.md).
type transport struct {
	Payload []byte
	Fields  map[string]any
}

func encodeEvent(payload []byte, fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(transport{Payload: payload, Fields: fields}); err != nil {
		return nil, fmt.Errorf("diskbuffer: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) ([]byte, map[string]any, error) {
	var t transport
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, nil, fmt.Errorf("diskbuffer: decode: %w", err)
	}
	return t.Payload, t.Fields, nil
}
