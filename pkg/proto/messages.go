// Package proto defines the shared wire messages exchanged between
// earshot peers over the mesh transport.
package proto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies a protocol message. The set is closed:
// unknown wire tags decode to TypeUnknown and are ignored by
// receivers rather than rejected.
type MessageType string

const (
	// TypeHandshake announces a compatible application instance.
	TypeHandshake MessageType = "handshake"
	// TypeHeartbeat refreshes a connected peer's last-seen time.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeVolumeSync shares the sender's derived volume for a peer.
	TypeVolumeSync MessageType = "volume-sync"
	// TypeDisconnect announces an orderly departure.
	TypeDisconnect MessageType = "disconnect"
	// TypeDiscoveryToken carries a ranging session token.
	TypeDiscoveryToken MessageType = "discovery-token"
	// TypeTokenAck acknowledges a received discovery token.
	TypeTokenAck MessageType = "token-ack"
	// TypePairingRequest asks the receiver to pair.
	TypePairingRequest MessageType = "pairing-request"
	// TypePairingAccept confirms a pairing request.
	TypePairingAccept MessageType = "pairing-accept"
	// TypePairingReject declines a pairing request.
	TypePairingReject MessageType = "pairing-reject"
	// TypeDeviceInfo carries display name corrections.
	TypeDeviceInfo MessageType = "device-info"
	// TypeAudioStream tags audio payloads. Recognized but not
	// processed by the engine.
	TypeAudioStream MessageType = "audio-stream"
	// TypeUnknown is the decoded form of any unrecognized wire tag.
	TypeUnknown MessageType = "unknown"
)

// knownTypes is the closed set of wire tags.
var knownTypes = map[MessageType]struct{}{
	TypeHandshake:      {},
	TypeHeartbeat:      {},
	TypeVolumeSync:     {},
	TypeDisconnect:     {},
	TypeDiscoveryToken: {},
	TypeTokenAck:       {},
	TypePairingRequest: {},
	TypePairingAccept:  {},
	TypePairingReject:  {},
	TypeDeviceInfo:     {},
	TypeAudioStream:    {},
}

// ParseMessageType maps a wire tag to its MessageType, folding
// unrecognized tags into TypeUnknown.
func ParseMessageType(s string) MessageType {
	t := MessageType(s)
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeUnknown
}

// Well-known payload keys.
const (
	KeyName    = "name"
	KeyToken   = "token"
	KeyVolume  = "volume"
	KeyVersion = "version"
)

// ErrNoToken is returned when a message carries no token payload.
var ErrNoToken = errors.New("message has no token payload")

// Message is the tagged wire record exchanged between peers.
// Timestamp is seconds since the Unix epoch.
type Message struct {
	Type      MessageType       `json:"type"`
	Timestamp float64           `json:"ts"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// New creates a message of the given type stamped at now.
func New(t MessageType, payload map[string]string, now time.Time) Message {
	return Message{
		Type:      t,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Payload:   payload,
	}
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Malformed JSON is an error; an
// unrecognized type tag is not, and decodes to TypeUnknown.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	m.Type = ParseMessageType(string(m.Type))
	return m, nil
}

// Token extracts and decodes the base64 token payload.
func (m Message) Token() ([]byte, error) {
	encoded, ok := m.Payload[KeyToken]
	if !ok || encoded == "" {
		return nil, ErrNoToken
	}
	token, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	return token, nil
}

// TokenPayload builds the payload map for a discovery-token message.
func TokenPayload(token []byte) map[string]string {
	return map[string]string{
		KeyToken: base64.StdEncoding.EncodeToString(token),
	}
}
