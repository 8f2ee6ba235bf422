package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BayeuxVersion is the protocol version announced during handshake
const BayeuxVersion = "1.0"

// Meta channels used by the protocol itself
const (
	ChannelHandshake   = "/meta/handshake"
	ChannelConnect     = "/meta/connect"
	ChannelSubscribe   = "/meta/subscribe"
	ChannelUnsubscribe = "/meta/unsubscribe"
	ChannelDisconnect  = "/meta/disconnect"
)

// Advice reconnect values
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// IsMeta reports whether channel belongs to the /meta/ namespace
func IsMeta(channel string) bool {
	return len(channel) > 6 && channel[:6] == "/meta/"
}

// Advice carries the connection advice exchanged with the server.
// Interval and Timeout are expressed in milliseconds.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  *int   `json:"interval,omitempty"`
	Timeout   *int   `json:"timeout,omitempty"`
}

// Message is a single Bayeux message, outbound or inbound.
//
// Data and Ext are kept as raw JSON so payloads travel through the client
// untouched. Top-level fields this type does not know about are collected
// in Extra and written back on encode.
type Message struct {
	ID                       string          `json:"id,omitempty"`
	Channel                  string          `json:"channel"`
	ClientID                 string          `json:"clientId,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Ext                      json.RawMessage `json:"ext,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the JSON keys mapped onto Message fields
var knownFields = map[string]struct{}{
	"id": {}, "channel": {}, "clientId": {}, "successful": {}, "subscription": {},
	"version": {}, "minimumVersion": {}, "supportedConnectionTypes": {},
	"connectionType": {}, "advice": {}, "error": {}, "data": {}, "ext": {},
}

// messageFields avoids MarshalJSON/UnmarshalJSON recursion
type messageFields Message

// NewMessage creates a message for channel with a fresh id
func NewMessage(channel string) *Message {
	return &Message{ID: NewMessageID(), Channel: channel}
}

// NewMessageID returns a unique message identifier
func NewMessageID() string {
	return uuid.New().String()
}

// HasVerdict reports whether the message carries a definitive
// success/failure flag, which marks it as a reply to something we sent.
func (m *Message) HasVerdict() bool {
	return m != nil && m.Successful != nil
}

// IsSuccessful reports whether the message is a successful reply
func (m *Message) IsSuccessful() bool {
	return m.HasVerdict() && *m.Successful
}

// SetSuccessful sets the success flag
func (m *Message) SetSuccessful(ok bool) {
	m.Successful = &ok
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Successful != nil {
		ok := *m.Successful
		c.Successful = &ok
	}
	if m.Advice != nil {
		a := *m.Advice
		c.Advice = &a
	}
	if m.SupportedConnectionTypes != nil {
		c.SupportedConnectionTypes = append([]string(nil), m.SupportedConnectionTypes...)
	}
	if m.Data != nil {
		c.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Ext != nil {
		c.Ext = append(json.RawMessage(nil), m.Ext...)
	}
	if m.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// String returns a short description used in logs
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%s", m.Channel, m.ID)
}

// MarshalJSON encodes the known fields followed by any extra fields
func (m Message) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messageFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}

	extra := make(map[string]json.RawMessage, len(m.Extra))
	for k, v := range m.Extra {
		if _, known := knownFields[k]; known {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return base, nil
	}

	tail, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}

	// base is always a non-empty object: it has at least "channel"
	var buf bytes.Buffer
	buf.Grow(len(base) + len(tail))
	buf.Write(base[:len(base)-1])
	buf.WriteByte(',')
	buf.Write(tail[1:])
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields messageFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		fields.Extra = raw
	} else {
		fields.Extra = nil
	}

	*m = Message(fields)
	return nil
}
