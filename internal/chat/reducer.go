package chat

import "github.com/whisper/chat-client/internal/ws"

// Action is a state transition understood by Reduce.
type Action interface {
	action()
}

// SetChats replaces the chat list.
type SetChats struct{ Chats []Chat }

// UpsertChat inserts chat or replaces the entry with the same id.
type UpsertChat struct{ Chat Chat }

// SelectChat sets the open chat. An empty ChatID closes it. Loaded messages
// are kept.
type SelectChat struct{ ChatID string }

// SetMessages replaces the message list of one chat.
type SetMessages struct {
	ChatID   string
	Messages []Message
}

// AddMessage appends a message to the end of a chat's list. Ids are not
// deduplicated.
type AddMessage struct {
	ChatID  string
	Message Message
}

// RemoveMessage drops every message with MessageID from a chat.
type RemoveMessage struct {
	ChatID    string
	MessageID string
}

// ConfirmMessage replaces the optimistic entry TempID with the confirmed
// message at the same position. It does nothing when TempID is gone.
type ConfirmMessage struct {
	ChatID  string
	TempID  string
	Message Message
}

// MarkSeen flags messages of a chat as read. Exactly one selector applies,
// in this order: MessageID, UpTo (everything up to and including that id),
// SenderID (every message from that sender), ReaderID (every message not sent
// by the reader). With no selector every message is marked.
type MarkSeen struct {
	ChatID    string
	MessageID string
	UpTo      string
	SenderID  string
	ReaderID  string
}

// SetTyping adds or removes a user from a chat's typing set.
type SetTyping struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

// UpdatePresence sets the status of a user everywhere it appears.
type UpdatePresence struct {
	UserID string
	Status string
}

// SetUsers replaces the user directory.
type SetUsers struct{ Users []User }

// SetConnectionStatus mirrors the connection status.
type SetConnectionStatus struct{ Status ws.Status }

// IncrementUnread bumps the unread counter of a chat.
type IncrementUnread struct{ ChatID string }

// ResetUnread clears the unread counter of a chat.
type ResetUnread struct{ ChatID string }

func (SetChats) action()            {}
func (UpsertChat) action()          {}
func (SelectChat) action()          {}
func (SetMessages) action()         {}
func (AddMessage) action()          {}
func (RemoveMessage) action()       {}
func (ConfirmMessage) action()      {}
func (MarkSeen) action()            {}
func (SetTyping) action()           {}
func (UpdatePresence) action()      {}
func (SetUsers) action()            {}
func (SetConnectionStatus) action() {}
func (IncrementUnread) action()     {}
func (ResetUnread) action()         {}

// Reduce returns the state that results from applying a to s. It never
// mutates s: every slice or map it changes is copied first, and untouched
// parts are shared with s. Unknown actions return s unchanged.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SetChats:
		s.Chats = SortChats(a.Chats)

	case UpsertChat:
		chats := make([]Chat, 0, len(s.Chats)+1)
		replaced := false
		for _, c := range s.Chats {
			if c.ID == a.Chat.ID {
				c = a.Chat
				replaced = true
			}
			chats = append(chats, c)
		}
		if !replaced {
			chats = append(chats, a.Chat)
		}
		s.Chats = SortChats(chats)

	case SelectChat:
		s.CurrentChatID = a.ChatID

	case SetMessages:
		msgs := make([]Message, len(a.Messages))
		copy(msgs, a.Messages)
		s.Messages = withMessages(s.Messages, a.ChatID, msgs)

	case AddMessage:
		old := s.Messages[a.ChatID]
		msgs := make([]Message, len(old), len(old)+1)
		copy(msgs, old)
		msgs = append(msgs, a.Message)
		s.Messages = withMessages(s.Messages, a.ChatID, msgs)

	case RemoveMessage:
		old, ok := s.Messages[a.ChatID]
		if !ok || indexOf(old, a.MessageID) < 0 {
			return s
		}
		msgs := make([]Message, 0, len(old))
		for _, m := range old {
			if m.ID != a.MessageID {
				msgs = append(msgs, m)
			}
		}
		s.Messages = withMessages(s.Messages, a.ChatID, msgs)

	case ConfirmMessage:
		old := s.Messages[a.ChatID]
		i := indexOf(old, a.TempID)
		if i < 0 {
			return s
		}
		msgs := make([]Message, len(old))
		copy(msgs, old)
		confirmed := a.Message
		confirmed.Pending = false
		if confirmed.ChatID == "" {
			confirmed.ChatID = a.ChatID
		}
		msgs[i] = confirmed
		s.Messages = withMessages(s.Messages, a.ChatID, msgs)

	case MarkSeen:
		old, ok := s.Messages[a.ChatID]
		if !ok {
			return s
		}
		match := seenSelector(old, a)
		var msgs []Message
		for i, m := range old {
			if m.IsRead || !match(i, m) {
				continue
			}
			if msgs == nil {
				msgs = make([]Message, len(old))
				copy(msgs, old)
			}
			msgs[i].IsRead = true
		}
		if msgs == nil {
			return s
		}
		s.Messages = withMessages(s.Messages, a.ChatID, msgs)

	case SetTyping:
		old := s.TypingUsers[a.ChatID]
		present := false
		for _, id := range old {
			if id == a.UserID {
				present = true
				break
			}
		}
		if present == a.IsTyping {
			return s
		}
		var users []string
		if a.IsTyping {
			users = make([]string, len(old), len(old)+1)
			copy(users, old)
			users = append(users, a.UserID)
		} else {
			users = make([]string, 0, len(old))
			for _, id := range old {
				if id != a.UserID {
					users = append(users, id)
				}
			}
		}
		typing := make(map[string][]string, len(s.TypingUsers)+1)
		for k, v := range s.TypingUsers {
			typing[k] = v
		}
		if len(users) == 0 {
			delete(typing, a.ChatID)
		} else {
			typing[a.ChatID] = users
		}
		s.TypingUsers = typing

	case UpdatePresence:
		s.Chats = presenceInChats(s.Chats, a.UserID, a.Status)
		s.Users = presenceInUsers(s.Users, a.UserID, a.Status)

	case SetUsers:
		users := make([]User, len(a.Users))
		copy(users, a.Users)
		s.Users = users

	case SetConnectionStatus:
		s.ConnectionStatus = a.Status

	case IncrementUnread:
		s.Chats = mapChat(s.Chats, a.ChatID, func(c *Chat) { c.UnreadCount++ })

	case ResetUnread:
		s.Chats = mapChat(s.Chats, a.ChatID, func(c *Chat) { c.UnreadCount = 0 })
	}
	return s
}

func withMessages(old map[string][]Message, chatID string, msgs []Message) map[string][]Message {
	out := make(map[string][]Message, len(old)+1)
	for k, v := range old {
		out[k] = v
	}
	out[chatID] = msgs
	return out
}

func indexOf(msgs []Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func seenSelector(msgs []Message, a MarkSeen) func(int, Message) bool {
	switch {
	case a.MessageID != "":
		return func(_ int, m Message) bool { return m.ID == a.MessageID }
	case a.UpTo != "":
		last := indexOf(msgs, a.UpTo)
		return func(i int, m Message) bool {
			return i <= last && (a.ReaderID == "" || m.SenderID != a.ReaderID)
		}
	case a.SenderID != "":
		return func(_ int, m Message) bool { return m.SenderID == a.SenderID }
	case a.ReaderID != "":
		return func(_ int, m Message) bool { return m.SenderID != a.ReaderID }
	default:
		return func(int, Message) bool { return true }
	}
}

func presenceInChats(chats []Chat, userID, status string) []Chat {
	var out []Chat
	for i, c := range chats {
		var parts []Participant
		for j, p := range c.Participants {
			if p.ID != userID || p.Status == status {
				continue
			}
			if parts == nil {
				parts = make([]Participant, len(c.Participants))
				copy(parts, c.Participants)
			}
			parts[j].Status = status
		}
		if parts == nil {
			continue
		}
		if out == nil {
			out = make([]Chat, len(chats))
			copy(out, chats)
		}
		out[i].Participants = parts
	}
	if out == nil {
		return chats
	}
	return out
}

func presenceInUsers(users []User, userID, status string) []User {
	var out []User
	for i, u := range users {
		if u.ID != userID || u.Status == status {
			continue
		}
		if out == nil {
			out = make([]User, len(users))
			copy(out, users)
		}
		out[i].Status = status
	}
	if out == nil {
		return users
	}
	return out
}

func mapChat(chats []Chat, chatID string, fn func(*Chat)) []Chat {
	for i, c := range chats {
		if c.ID != chatID {
			continue
		}
		out := make([]Chat, len(chats))
		copy(out, chats)
		fn(&out[i])
		return out
	}
	return chats
}
