// Package message defines the device message model produced by protocol
// codecs and routed through the platform. Online and offline messages are
// control messages that drive session state; everything else is a domain
// message forwarded downstream.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of decoded device message
type Type string

// Message types
const (
	TypeOnline  Type = "online"
	TypeOffline Type = "offline"
	TypeReport  Type = "report"
	TypeEvent   Type = "event"
	TypeReply   Type = "reply"
)

// Well-known header keys
const (
	HeaderKeepOnline       = "keepOnline"
	HeaderKeepAliveTimeout = "keepAliveTimeoutMs"
	HeaderClientAddress    = "clientAddress"
	HeaderProductID        = "productId"
)

// Message is a decoded device protocol message.
type Message struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Headers   map[string]any  `json:"headers,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New creates a message of the given type for a device, stamped with a
// fresh id and the current time.
func New(deviceID string, t Type) *Message {
	return &Message{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      t,
		Timestamp: time.Now(),
	}
}

// IsControl reports whether the message drives session state rather than
// carrying a domain payload.
func (m *Message) IsControl() bool {
	return m.Type == TypeOnline || m.Type == TypeOffline
}

// Header returns the named header value, or nil when absent.
func (m *Message) Header(key string) any {
	if m.Headers == nil {
		return nil
	}
	return m.Headers[key]
}

// SetHeader sets a header value, allocating the map on first use.
func (m *Message) SetHeader(key string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[key] = value
}

// SetHeaderIfAbsent sets a header only when it is not already present.
func (m *Message) SetHeaderIfAbsent(key string, value any) {
	if m.Header(key) == nil {
		m.SetHeader(key, value)
	}
}

// KeepOnline reports whether the online message requested keep-online
// semantics (session survives physical disconnect).
func (m *Message) KeepOnline() bool {
	b, ok := m.Header(HeaderKeepOnline).(bool)
	return ok && b
}

// KeepAliveTimeout returns the keep-alive timeout requested by the device,
// and whether one was requested. A zero or negative value means the session
// never expires.
func (m *Message) KeepAliveTimeout() (time.Duration, bool) {
	switch v := m.Header(HeaderKeepAliveTimeout).(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v) * time.Millisecond, true
	default:
		return 0, false
	}
}

// ClientAddress returns the peer address header, or "" when untagged.
func (m *Message) ClientAddress() string {
	s, _ := m.Header(HeaderClientAddress).(string)
	return s
}
