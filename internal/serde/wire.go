package serde

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Confluent wire framing: a zero magic byte, a 4-byte big-endian schema id,
// then the encoded payload. Protobuf payloads carry an extra message-index
// list between the id and the payload; a single-message schema encodes the
// list as one zero byte.

const wireMagic = 0x00

var errShortEnvelope = errors.New("serde: record shorter than wire envelope")

// encodeEnvelope frames payload for the wire. indexes is nil for Avro and
// JSON-Schema records.
func encodeEnvelope(schemaID int, indexes []int, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload)+8)
	buf = append(buf, wireMagic)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(schemaID))
	buf = append(buf, id[:]...)
	if indexes != nil {
		buf = appendIndexes(buf, indexes)
	}
	return append(buf, payload...)
}

// appendIndexes writes the Protobuf message-index list. The common case of
// the first message in the schema ([0]) collapses to a single zero byte.
func appendIndexes(buf []byte, indexes []int) []byte {
	if len(indexes) == 0 || (len(indexes) == 1 && indexes[0] == 0) {
		return append(buf, 0x00)
	}
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], int64(len(indexes)))
	buf = append(buf, tmp[:n]...)
	for _, idx := range indexes {
		n = binary.PutVarint(tmp[:], int64(idx))
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

// decodeEnvelope strips the framing and returns the schema id, the message
// indexes (nil unless withIndexes), and the payload.
func decodeEnvelope(b []byte, withIndexes bool) (int, []int, []byte, error) {
	if len(b) < 5 {
		return 0, nil, nil, errShortEnvelope
	}
	if b[0] != wireMagic {
		return 0, nil, nil, fmt.Errorf("serde: unknown magic byte 0x%02x", b[0])
	}
	id := int(binary.BigEndian.Uint32(b[1:5]))
	rest := b[5:]
	if !withIndexes {
		return id, nil, rest, nil
	}
	count, n := binary.Varint(rest)
	if n <= 0 {
		return 0, nil, nil, errors.New("serde: malformed message index count")
	}
	rest = rest[n:]
	if count == 0 {
		return id, []int{0}, rest, nil
	}
	if count < 0 || count > 128 {
		return 0, nil, nil, fmt.Errorf("serde: implausible message index count %d", count)
	}
	indexes := make([]int, count)
	for i := range indexes {
		v, n := binary.Varint(rest)
		if n <= 0 {
			return 0, nil, nil, errors.New("serde: malformed message index")
		}
		indexes[i] = int(v)
		rest = rest[n:]
	}
	return id, indexes, rest, nil
}
