// Package chat holds the client-side model of the user's conversations: the
// domain types, a pure reducer over them, and the Store that feeds the reducer
// from REST snapshots and live gateway events.
package chat

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/ws"
)

// ChatType distinguishes one-to-one conversations from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

// TempIDPrefix marks message ids generated locally for optimistic sends.
const TempIDPrefix = "temp-"

// Participant is a member of a chat as seen from the chat list.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	type plain Participant
	var aux struct {
		plain
		ID protocol.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Participant(aux.plain)
	p.ID = aux.ID.String()
	return nil
}

// User is an entry of the standalone user directory.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		ID protocol.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	u.ID = aux.ID.String()
	return nil
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message. Pending is set on optimistic entries
// until the server confirms them.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type,omitempty"`
	MediaURL    string       `json:"media_url,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	IsRead      bool         `json:"is_read"`
	Pending     bool         `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		ID       protocol.ID `json:"id"`
		ChatID   protocol.ID `json:"chat_id"`
		SenderID protocol.ID `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	m.ID = aux.ID.String()
	m.ChatID = aux.ChatID.String()
	m.SenderID = aux.SenderID.String()
	if m.Type == "" {
		m.Type = MessageText
	}
	return nil
}

// IsTemporary reports whether the message still carries a local id.
func (m Message) IsTemporary() bool {
	return len(m.ID) >= len(TempIDPrefix) && m.ID[:len(TempIDPrefix)] == TempIDPrefix
}

// Chat is a conversation summary from the chat list.
type Chat struct {
	ID            string        `json:"id"`
	Type          ChatType      `json:"type"`
	Title         string        `json:"title,omitempty"`
	Participants  []Participant `json:"participants"`
	LastMessage   *Message      `json:"last_message,omitempty"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UnreadCount   int           `json:"unread_count"`
}

func (c *Chat) UnmarshalJSON(data []byte) error {
	type plain Chat
	var aux struct {
		plain
		ID protocol.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Chat(aux.plain)
	c.ID = aux.ID.String()
	if c.Type == "" {
		c.Type = ChatDirect
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.Participants = uniqueParticipants(c.Participants)
	return nil
}

// SortKey is the recency used to order the chat list.
func (c Chat) SortKey() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// SortChats returns a copy of chats ordered by SortKey, most recent first.
// Chats with equal keys keep their relative order.
func SortChats(chats []Chat) []Chat {
	out := make([]Chat, len(chats))
	copy(out, chats)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SortKey().After(out[j].SortKey())
	})
	return out
}

// State is an immutable snapshot of the store. Reduce never modifies a State
// it was given, so snapshots may be shared freely but must not be mutated by
// their readers.
type State struct {
	Chats            []Chat
	CurrentChatID    string
	Messages         map[string][]Message
	TypingUsers      map[string][]string
	Users            []User
	ConnectionStatus ws.Status
}

// NewState returns the empty state of a fresh session.
func NewState() State {
	return State{
		Messages:         map[string][]Message{},
		TypingUsers:      map[string][]string{},
		ConnectionStatus: ws.StatusDisconnected,
	}
}

// Chat returns the chat with the given id.
func (s State) Chat(id string) (Chat, bool) {
	for _, c := range s.Chats {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

// Typing returns the users currently typing in chatID.
func (s State) Typing(chatID string) []string {
	return s.TypingUsers[chatID]
}

// Tracks reports whether chatID is in the chat list or has loaded messages.
func (s State) Tracks(chatID string) bool {
	if _, ok := s.Chat(chatID); ok {
		return true
	}
	_, ok := s.Messages[chatID]
	return ok
}

func uniqueParticipants(in []Participant) []Participant {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, p := range in {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
