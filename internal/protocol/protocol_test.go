package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	names := []string{
		TypeAuth, TypeAuthSuccess, TypeAuthError,
		TypeSubscribe, TypeUnsubscribe,
		TypeSyncRequest, TypeSyncResponse, TypeSyncStep1, TypeSyncStep2,
		TypeDelta, TypeAck, TypeDeltaBatch,
		TypePing, TypePong,
		TypeAwarenessUpdate, TypeAwarenessSubscribe, TypeAwarenessState,
		TypeError,
	}

	for _, name := range names {
		payload := map[string]any{
			"id":    "msg-1",
			"docId": "room:alpha",
			"nested": map[string]any{
				"x": float64(1),
			},
		}

		frame, err := Encode(name, payload, 1234567890123)
		require.NoError(t, err, name)

		msg, err := Decode(frame)
		require.NoError(t, err, name)
		assert.Equal(t, name, msg.Type)
		assert.Equal(t, int64(1234567890123), msg.Timestamp)
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "room:alpha", msg.Payload["docId"])

		nested := msg.Object("nested")
		require.NotNil(t, nested)
		assert.Equal(t, float64(1), nested["x"])
	}
}

func TestEncodeUnknownTypeFallsBackToError(t *testing.T) {
	frame, err := Encode("no_such_type", map[string]any{}, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(CodeError), frame[0])
}

func TestEncodeNegativeTimestamp(t *testing.T) {
	frame, err := Encode(TypePing, map[string]any{}, -42)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), msg.Timestamp)
}

func TestDecodeTooShort(t *testing.T) {
	for size := 0; size < 13; size++ {
		data := make([]byte, size)
		if size > 0 {
			data[0] = byte(CodePing) // keep it out of the JSON path
		}
		_, err := Decode(data)
		assert.Error(t, err, "size %d", size)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	frame, err := Encode(TypeDelta, map[string]any{"docId": "d"}, 1)
	require.NoError(t, err)

	// Declare more payload bytes than the frame carries.
	binary.BigEndian.PutUint32(frame[9:13], uint32(len(frame)))
	_, err = Decode(frame)
	assert.ErrorContains(t, err, "truncated")
}

func TestDecodeInvalidPayloadJSON(t *testing.T) {
	frame := make([]byte, 13+4)
	frame[0] = byte(CodePing)
	binary.BigEndian.PutUint32(frame[9:13], 4)
	copy(frame[13:], "not{")

	_, err := Decode(frame)
	assert.Error(t, err)
}

func TestDecodeUnknownCodeIsErrorSentinel(t *testing.T) {
	frame, err := Encode(TypePing, map[string]any{"id": "x"}, 7)
	require.NoError(t, err)
	frame[0] = 0x7A // unassigned, and not '{' or '['

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "x", msg.ID)
}

func TestDecodeJSONFallback(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping","id":"p1","timestamp":1000}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
	assert.Equal(t, "p1", msg.ID)
	assert.Equal(t, int64(1000), msg.Timestamp)
}

func TestDecodeJSONArrayHasNoType(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`))
	// Arrays parse but cannot produce an object payload.
	assert.Error(t, err)
}
