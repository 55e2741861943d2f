// Package meross implements the wire protocol spoken by Meross appliances:
// the signed JSON envelope carried over both LAN HTTP and MQTT, the cached
// device descriptor, and the transport clients.
package meross

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MQTT topic layout. Commands are published to the device subscribe topic,
// replies and unsolicited pushes arrive on the device publish topic. The
// response topic identifies this client and is carried in the header "from"
// field of outgoing requests.
const (
	topicRequestFmt  = "/appliance/%s/subscribe"
	topicResponseFmt = "/app/%s/subscribe"
	TopicDiscovery   = "/appliance/+/publish"
)

// TopicRequest returns the topic commands for a device must be published to.
func TopicRequest(deviceID string) string {
	return fmt.Sprintf(topicRequestFmt, deviceID)
}

// TopicResponse returns the client-scoped inbound topic for a profile/app pair.
func TopicResponse(clientID string) string {
	return fmt.Sprintf(topicResponseFmt, clientID)
}

// DeviceIDFromTopic extracts the device uuid from a "from" topic of the form
// /appliance/<uuid>/publish. Returns "" when the topic doesn't match.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] != "appliance" {
		return ""
	}
	return parts[2]
}

// Header is the envelope header common to every protocol message.
type Header struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         string `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from"`
	Timestamp      int64  `json:"timestamp"`
	TimestampMs    int    `json:"timestampMs"`
	Sign           string `json:"sign"`
}

// Message is the full envelope: header plus a free-form payload object.
type Message struct {
	Header  Header         `json:"header"`
	Payload map[string]any `json:"payload"`

	// raw is the wire form this message was decoded from, when inbound.
	raw []byte
}

// Size returns the wire length of an inbound message, 0 for constructed ones.
// Drives the learned response-size budget.
func (m *Message) Size() int { return len(m.raw) }

// Request is an unbound (namespace, method, payload) triple; it becomes a
// Message once signed with a device key and a response topic.
type Request struct {
	Namespace string
	Method    string
	Payload   map[string]any
}

// Sign computes the envelope signature: md5(messageId + key + timestamp).
func Sign(messageID, key string, timestamp int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%s%d", messageID, key, timestamp)))
	return hex.EncodeToString(sum[:])
}

// NewMessageID returns a fresh 32-char hex message id.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMessage builds and signs a request envelope. from is the topic replies
// should be addressed to.
func NewMessage(key string, req Request, from string) *Message {
	now := time.Now().Unix()
	messageID := NewMessageID()
	return &Message{
		Header: Header{
			MessageID:      messageID,
			Namespace:      req.Namespace,
			Method:         req.Method,
			PayloadVersion: 1,
			From:           from,
			Timestamp:      now,
			TimestampMs:    0,
			Sign:           Sign(messageID, key, now),
		},
		Payload: req.Payload,
	}
}

// VerifySign reports whether the header signature matches the given key.
// Some firmwares produce incorrect signatures so callers treat a mismatch
// as advisory only.
func VerifySign(h *Header, key string) bool {
	return h.Sign == Sign(h.MessageID, key, h.Timestamp)
}

// DeviceID extracts the sending device uuid from the header "from" topic.
func (h *Header) DeviceID() string {
	return DeviceIDFromTopic(h.From)
}

// Encode serializes the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Header.MessageID == "" || m.Header.Namespace == "" {
		return nil, fmt.Errorf("malformed envelope: missing header fields")
	}
	m.raw = data
	return &m, nil
}

// ErrorCode extracts payload.error.code from an ERROR reply, 0 when absent.
func (m *Message) ErrorCode() int {
	errObj, ok := m.Payload["error"].(map[string]any)
	if !ok {
		return 0
	}
	code, ok := errObj["code"].(float64)
	if !ok {
		return 0
	}
	return int(code)
}

// Multiple extracts the sub-messages carried in a Appliance.Control.Multiple
// reply payload.
func (m *Message) Multiple() []*Message {
	list, ok := m.Payload[KeyMultiple].([]any)
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(list))
	for _, item := range list {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		sub, err := Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// multipleBoundary marks the start of a sub-message inside a multi-request
// reply body; truncated replies are salvaged by cutting at its last
// occurrence.
var multipleBoundary = []byte(`,{"header":`)

// SalvageTruncated recovers a parseable multi-request reply from a body whose
// JSON was cut off mid sub-message. It drops everything from the last
// sub-message boundary and closes the envelope. Returns false when no
// boundary exists or the remainder still doesn't parse.
func SalvageTruncated(body []byte) (*Message, bool) {
	pos := bytes.LastIndex(body, multipleBoundary)
	if pos < 0 {
		return nil, false
	}
	patched := make([]byte, 0, pos+3)
	patched = append(patched, body[:pos]...)
	patched = append(patched, []byte("]}}")...)
	msg, err := Decode(patched)
	if err != nil {
		return nil, false
	}
	return msg, true
}
