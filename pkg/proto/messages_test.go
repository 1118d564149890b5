package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 500000000)
	msg := New(TypePairingRequest, map[string]string{KeyName: "alice"}, now)

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePairingRequest, decoded.Type)
	assert.Equal(t, "alice", decoded.Payload[KeyName])
	assert.InDelta(t, 1700000000.5, decoded.Timestamp, 1e-6)
}

func TestDecodeUnknownTypeIsIgnoredNotRejected(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"future-feature","ts":1,"payload":{"x":"y"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, msg.Type)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseMessageType(t *testing.T) {
	assert.Equal(t, TypeHeartbeat, ParseMessageType("heartbeat"))
	assert.Equal(t, TypeAudioStream, ParseMessageType("audio-stream"))
	assert.Equal(t, TypeUnknown, ParseMessageType("nonsense"))
	assert.Equal(t, TypeUnknown, ParseMessageType(""))
}

func TestTokenPayloadRoundTrip(t *testing.T) {
	token := []byte{0x01, 0xff, 0x7a, 0x00, 0x42}
	msg := New(TypeDiscoveryToken, TokenPayload(token), time.Now())

	got, err := msg.Token()
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestTokenMissing(t *testing.T) {
	msg := New(TypeTokenAck, nil, time.Now())
	_, err := msg.Token()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenMalformed(t *testing.T) {
	msg := New(TypeDiscoveryToken, map[string]string{KeyToken: "!!not-base64!!"}, time.Now())
	_, err := msg.Token()
	assert.Error(t, err)
}
