// Package protocol implements the binary wire framing shared with the
// client SDK: a one-byte type code, an eight-byte millisecond timestamp,
// a four-byte payload length, then a JSON payload. Frames whose first
// byte is '{' or '[' are parsed as plain JSON for older clients.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TypeCode is the one-byte message discriminator. The values are part of
// the wire contract and must not change.
type TypeCode byte

const (
	CodeAuth               TypeCode = 0x01
	CodeAuthSuccess        TypeCode = 0x02
	CodeAuthError          TypeCode = 0x03
	CodeSubscribe          TypeCode = 0x10
	CodeUnsubscribe        TypeCode = 0x11
	CodeSyncRequest        TypeCode = 0x12
	CodeSyncResponse       TypeCode = 0x13
	CodeSyncStep1          TypeCode = 0x14
	CodeSyncStep2          TypeCode = 0x15
	CodeDelta              TypeCode = 0x20
	CodeAck                TypeCode = 0x21
	CodeDeltaBatch         TypeCode = 0x22
	CodePing               TypeCode = 0x30
	CodePong               TypeCode = 0x31
	CodeAwarenessUpdate    TypeCode = 0x40
	CodeAwarenessSubscribe TypeCode = 0x41
	CodeAwarenessState     TypeCode = 0x42
	CodeError              TypeCode = 0xFF
)

// Message type names as they appear in JSON payloads.
const (
	TypeAuth               = "auth"
	TypeAuthSuccess        = "auth_success"
	TypeAuthError          = "auth_error"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeSyncRequest        = "sync_request"
	TypeSyncResponse       = "sync_response"
	TypeSyncStep1          = "sync_step1"
	TypeSyncStep2          = "sync_step2"
	TypeDelta              = "delta"
	TypeAck                = "ack"
	TypeDeltaBatch         = "delta_batch"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAwarenessUpdate    = "awareness_update"
	TypeAwarenessSubscribe = "awareness_subscribe"
	TypeAwarenessState     = "awareness_state"
	TypeError              = "error"
)

// headerSize is the fixed frame prefix: type + timestamp + payload length.
const headerSize = 1 + 8 + 4

var codeToName = map[TypeCode]string{
	CodeAuth:               TypeAuth,
	CodeAuthSuccess:        TypeAuthSuccess,
	CodeAuthError:          TypeAuthError,
	CodeSubscribe:          TypeSubscribe,
	CodeUnsubscribe:        TypeUnsubscribe,
	CodeSyncRequest:        TypeSyncRequest,
	CodeSyncResponse:       TypeSyncResponse,
	CodeSyncStep1:          TypeSyncStep1,
	CodeSyncStep2:          TypeSyncStep2,
	CodeDelta:              TypeDelta,
	CodeAck:                TypeAck,
	CodeDeltaBatch:         TypeDeltaBatch,
	CodePing:               TypePing,
	CodePong:               TypePong,
	CodeAwarenessUpdate:    TypeAwarenessUpdate,
	CodeAwarenessSubscribe: TypeAwarenessSubscribe,
	CodeAwarenessState:     TypeAwarenessState,
	CodeError:              TypeError,
}

var nameToCode = func() map[string]TypeCode {
	m := make(map[string]TypeCode, len(codeToName))
	for code, name := range codeToName {
		m[name] = code
	}
	return m
}()

// Message is a decoded frame. Payload holds every field of the JSON body;
// ID and Timestamp are hoisted for convenience.
type Message struct {
	Type      string
	ID        string
	Timestamp int64
	Payload   map[string]any
}

// String returns the payload field named key, or "" if it is absent or
// not a string.
func (m *Message) String(key string) string {
	v, _ := m.Payload[key].(string)
	return v
}

// Object returns the payload field named key, or nil if it is absent or
// not a JSON object.
func (m *Message) Object(key string) map[string]any {
	v, _ := m.Payload[key].(map[string]any)
	return v
}

// Encode builds a binary frame. Unknown type names encode as the error
// code so a buggy caller still produces a decodable frame.
func Encode(messageType string, payload map[string]any, timestamp int64) ([]byte, error) {
	code, ok := nameToCode[messageType]
	if !ok {
		code = CodeError
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	buf := make([]byte, headerSize+len(body))
	buf[0] = byte(code)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(body)))
	copy(buf[headerSize:], body)

	return buf, nil
}

// Decode parses a binary or JSON frame. An unrecognized type code maps to
// the error sentinel; it is never a decode failure.
func Decode(data []byte) (*Message, error) {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return decodeJSON(data)
	}

	if len(data) < headerSize {
		return nil, fmt.Errorf("malformed frame: %d bytes, need at least %d", len(data), headerSize)
	}

	code := TypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint32(len(data)-headerSize) < payloadLen {
		return nil, fmt.Errorf("truncated frame: declared %d payload bytes, have %d", payloadLen, len(data)-headerSize)
	}

	var payload map[string]any
	if err := json.Unmarshal(data[headerSize:headerSize+int(payloadLen)], &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	name, ok := codeToName[code]
	if !ok {
		name = TypeError
	}

	msg := &Message{
		Type:      name,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}
	return msg, nil
}

func decodeJSON(data []byte) (*Message, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	msg := &Message{Payload: payload}
	if t, ok := payload["type"].(string); ok {
		msg.Type = t
	}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}
	if ts, ok := payload["timestamp"].(float64); ok {
		msg.Timestamp = int64(ts)
	}
	return msg, nil
}
