// Package protocol implements the JSON message envelope spoken by Meross
// appliances on both the HTTP and MQTT channels: the signed header, the
// method verbs, and the well-known namespace strings. Namespaces and payload
// field names are opaque pass-through keys; this package does not model
// individual device capabilities.
package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method verbs carried in the message header.
const (
	MethodGet    = "GET"
	MethodGetAck = "GETACK"
	MethodSet    = "SET"
	MethodSetAck = "SETACK"
	MethodPush   = "PUSH"
	MethodError  = "ERROR"
)

// Header is the signed envelope header present on every message.
type Header struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         string `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	TimestampMs    int    `json:"timestampMs"`
	Sign           string `json:"sign"`
}

// Message is a complete protocol message: a header plus an opaque payload.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage builds a signed outbound message. The key may be empty, in which
// case the signature is computed over the empty key (auto-detect mode: the
// device will echo its own hash back, see Header.Sign being used as the reply
// key by the session).
func NewMessage(namespace, method string, payload interface{}, key string) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", namespace, err)
	}

	now := time.Now()
	messageID := hashHex(uuid.NewString())
	timestamp := now.Unix()

	return &Message{
		Header: Header{
			MessageID:      messageID,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			Timestamp:      timestamp,
			TimestampMs:    now.Nanosecond() / int(time.Millisecond),
			Sign:           Sign(messageID, key, timestamp),
		},
		Payload: raw,
	}, nil
}

// Sign computes the header signature: md5 over messageId + key + timestamp.
func Sign(messageID, key string, timestamp int64) string {
	return hashHex(fmt.Sprintf("%s%s%d", messageID, key, timestamp))
}

// Verify reports whether the message signature matches the given key.
func (m *Message) Verify(key string) bool {
	return m.Header.Sign == Sign(m.Header.MessageID, key, m.Header.Timestamp)
}

// IsAck reports whether the message is a reply to a GET or SET.
func (m *Message) IsAck() bool {
	switch m.Header.Method {
	case MethodGetAck, MethodSetAck:
		return true
	}
	return false
}

// Decode unmarshals the message payload into v. A payload that does not fit
// v's shape is the caller's malformed-payload case; the message header stays
// valid regardless.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload in %s %s", m.Header.Method, m.Header.Namespace)
	}
	return json.Unmarshal(m.Payload, v)
}

// Marshal encodes the message for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes a raw wire message and checks for the minimal header
// shape. It does not verify the signature; that is a session-level decision
// (the sign is still meaningful as an auth tag even when it does not match).
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Header.Namespace == "" || m.Header.Method == "" {
		return nil, fmt.Errorf("message header missing namespace or method")
	}
	return &m, nil
}

// DigestKey derives the capability tag for a control namespace: the last
// dot-separated element, lower-cased on its first rune, matching the key
// used in the System.All digest (Appliance.Control.ToggleX -> "togglex").
func DigestKey(namespace string) string {
	idx := strings.LastIndexByte(namespace, '.')
	if idx < 0 || idx == len(namespace)-1 {
		return strings.ToLower(namespace)
	}
	return strings.ToLower(namespace[idx+1:])
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return raw, nil
	}
	return json.Marshal(payload)
}

func hashHex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
