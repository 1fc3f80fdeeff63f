package serde

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	framed := encodeEnvelope(1234, nil, payload)

	require.Equal(t, byte(0x00), framed[0])
	id, indexes, got, err := decodeEnvelope(framed, false)
	require.NoError(t, err)
	assert.Equal(t, 1234, id)
	assert.Nil(t, indexes)
	assert.Equal(t, payload, got)
}

func TestEnvelopeProtoFirstMessageCollapses(t *testing.T) {
	payload := []byte{0xde, 0xad}
	framed := encodeEnvelope(7, []int{0}, payload)

	// magic + 4-byte id + single zero byte for the [0] index list.
	require.Equal(t, byte(0x00), framed[5])
	assert.Equal(t, payload, framed[6:])

	id, indexes, got, err := decodeEnvelope(framed, true)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, []int{0}, indexes)
	assert.Equal(t, payload, got)
}

func TestEnvelopeProtoNestedIndexes(t *testing.T) {
	payload := []byte{0x01}
	framed := encodeEnvelope(9, []int{2, 5}, payload)

	id, indexes, got, err := decodeEnvelope(framed, true)
	require.NoError(t, err)
	assert.Equal(t, 9, id)
	assert.Equal(t, []int{2, 5}, indexes)
	assert.Equal(t, payload, got)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, _, _, err := decodeEnvelope([]byte{0x00, 0x01}, false)
	assert.ErrorIs(t, err, errShortEnvelope)

	bad := encodeEnvelope(1, nil, []byte("x"))
	bad[0] = 0x42
	_, _, _, err = decodeEnvelope(bad, false)
	assert.ErrorContains(t, err, "magic")
}
