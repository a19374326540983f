// Package protocol defines the WebSocket frames exchanged between the chat
// client and the gateway. All frames are JSON objects carrying a "type"
// discriminator; inbound frames are parsed into an Event whose payload is
// decoded lazily by the consumer that cares about it.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Gateway -> client event types.
const (
	TypeChatReceive    = "chat/receive"
	TypeChatTyping     = "chat/typing"
	TypeChatStopTyping = "chat/stop_typing"
	TypeChatSeen       = "chat/seen"
	TypeMessageDeleted = "chat/message_deleted"
	TypeNotification   = "notification"
)

// Types used in both directions. The gateway still emits the legacy bare
// "typing" and "seen" names next to the chat/ prefixed ones.
const (
	TypeTyping   = "typing"
	TypeSeen     = "seen"
	TypePresence = "presence"
)

// Client -> gateway only.
const (
	TypeNotificationAck = "notification/ack"
)

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// ID is an identifier that may arrive as either a JSON string or a JSON
// number. It always reads back as its string form.
type ID string

// UnmarshalJSON implements json.Unmarshaler. A null leaves the value untouched
// so that layered decoding can fall back to an earlier value.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: id is neither string nor number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier as a plain string.
func (id ID) String() string { return string(id) }

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// Event is a parsed inbound frame. ChatID and UserID are read from the frame
// root first and from the nested data object when the root omits them. Raw
// holds the complete frame for deferred decoding.
type Event struct {
	Type   string
	ChatID string
	UserID string
	Data   json.RawMessage
	Raw    json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler. It captures the full raw bytes
// and extracts only the routing fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type   string          `json:"type"`
		ChatID ID              `json:"chat_id"`
		UserID ID              `json:"user_id"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal event: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}

	e.Type = partial.Type
	e.ChatID = partial.ChatID.String()
	e.UserID = partial.UserID.String()
	e.Data = nil
	if isObject(partial.Data) {
		e.Data = partial.Data
		var nested struct {
			ChatID ID `json:"chat_id"`
			UserID ID `json:"user_id"`
		}
		if err := json.Unmarshal(partial.Data, &nested); err == nil {
			if e.ChatID == "" {
				e.ChatID = nested.ChatID.String()
			}
			if e.UserID == "" {
				e.UserID = nested.UserID.String()
			}
		}
	}
	return nil
}

// ParseEvent parses a raw text frame. Frames that are not JSON objects or
// that lack a type are rejected.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("protocol: failed to parse event: %w", err)
	}
	return ev, nil
}

// Decode fills v from the frame root and then from the nested data object, so
// fields present under data win and fields only present at the root are used
// as a fallback. The gateway emits both shapes for the same event.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q root: %w", e.Type, err)
	}
	if e.Data != nil {
		if err := json.Unmarshal(e.Data, v); err != nil {
			return fmt.Errorf("protocol: failed to decode %q data: %w", e.Type, err)
		}
	}
	return nil
}

// MessageJSON returns the chat message object carried by a chat/receive
// event: the data object when present, otherwise a root-level "message",
// otherwise the root itself when it carries message fields. In the root
// shape the frame "type" is dropped and "message_type" stands in for it.
func (e Event) MessageJSON() (json.RawMessage, bool) {
	if e.Data != nil {
		var wrapped struct {
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(e.Data, &wrapped); err == nil && isObject(wrapped.Message) {
			return wrapped.Message, true
		}
		return e.Data, true
	}
	var root struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(e.Raw, &root); err == nil && isObject(root.Message) {
		return root.Message, true
	}
	return rootMessage(e.Raw)
}

func rootMessage(raw json.RawMessage) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["id"]; !ok {
		if _, ok := fields["content"]; !ok {
			return nil, false
		}
	}
	delete(fields, "type")
	if mt, ok := fields["message_type"]; ok {
		fields["type"] = mt
		delete(fields, "message_type")
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return out, true
}

// TypingPayload is carried by typing, chat/typing and chat/stop_typing.
type TypingPayload struct {
	ChatID   ID    `json:"chat_id"`
	UserID   ID    `json:"user_id"`
	IsTyping *bool `json:"is_typing"`
}

// Typing reports whether the payload signals typing. A missing is_typing
// means typing started.
func (p TypingPayload) Typing() bool {
	return p.IsTyping == nil || *p.IsTyping
}

// SeenPayload is carried by seen and chat/seen. MessageID targets a single
// message; without it the receipt applies to every message of SenderID (or,
// when SenderID is absent, to every message not sent by the reader UserID).
type SeenPayload struct {
	ChatID        ID `json:"chat_id"`
	MessageID     ID `json:"message_id"`
	LastMessageID ID `json:"last_message_id"`
	UserID        ID `json:"user_id"`
	SenderID      ID `json:"sender_id"`
}

// DeletedPayload is carried by chat/message_deleted.
type DeletedPayload struct {
	ChatID    ID `json:"chat_id"`
	MessageID ID `json:"message_id"`
}

// PresencePayload is carried by presence.
type PresencePayload struct {
	UserID ID     `json:"user_id"`
	Status string `json:"status"`
}

// NotificationPayload is carried by notification.
type NotificationPayload struct {
	ID      ID     `json:"id"`
	Kind    string `json:"notification_type"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Message string `json:"message"`
}

// Text returns the human readable part of the notification.
func (p NotificationPayload) Text() string {
	if p.Body != "" {
		return p.Body
	}
	return p.Message
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

// TypingMsg tells the gateway whether the user is composing in a chat.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// SeenMsg is a read receipt for one message, or for everything up to
// LastMessageID when MessageID is empty.
type SeenMsg struct {
	Type          string `json:"type"`
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id,omitempty"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// PresenceMsg announces the user's own presence.
type PresenceMsg struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationAckMsg acknowledges a delivered notification.
type NotificationAckMsg struct {
	Type           string    `json:"type"`
	NotificationID string    `json:"notification_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMessage creates a JSON-encoded frame for an arbitrary payload. The
// msgType is injected under the "type" key, overriding any value the payload
// carries.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
		}
		if m == nil {
			m = map[string]interface{}{}
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
