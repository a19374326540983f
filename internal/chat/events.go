package chat

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/ws"
)

// handleStatus mirrors the connection status. Coming back after a drop
// triggers a chat list resync, since events may have been missed.
func (s *Store) handleStatus(status ws.Status) {
	s.mu.Lock()
	resync := status == ws.StatusConnected && s.connected
	if status == ws.StatusConnected {
		s.connected = true
	}
	notify := s.dispatchLocked(SetConnectionStatus{Status: status})
	s.mu.Unlock()
	notify()

	if resync {
		s.refreshAsync()
	}
}

// handleEvent translates a gateway event into reducer actions. Unknown
// types are ignored; notifications go through handleNotification.
func (s *Store) handleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeChatReceive:
		s.receive(ev)
	case protocol.TypeTyping, protocol.TypeChatTyping:
		s.typing(ev, false)
	case protocol.TypeChatStopTyping:
		s.typing(ev, true)
	case protocol.TypeSeen, protocol.TypeChatSeen:
		s.seen(ev)
	case protocol.TypeMessageDeleted:
		s.deleted(ev)
	case protocol.TypePresence:
		s.presence(ev)
	}
}

func (s *Store) receive(ev protocol.Event) {
	raw, ok := ev.MessageJSON()
	if !ok {
		s.log.Warn("receive event without message", zap.ByteString("frame", ev.Raw))
		return
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn("undecodable message", zap.Error(err))
		return
	}
	if msg.ChatID == "" {
		msg.ChatID = ev.ChatID
	}
	if msg.ChatID == "" || msg.ID == "" {
		s.log.Warn("receive event missing chat or message id", zap.ByteString("frame", ev.Raw))
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now().UTC()
	}

	s.mu.Lock()
	var actions []Action
	if s.state.Tracks(msg.ChatID) {
		actions = s.reconcileLocked(msg)
	} else {
		s.log.Debug("message for untracked chat", zap.String("chat_id", msg.ChatID))
	}
	if msg.SenderID != "" {
		key := typingKey{chatID: msg.ChatID, userID: msg.SenderID}
		if t, ok := s.typingIn[key]; ok {
			t.timer.Stop()
			delete(s.typingIn, key)
		}
		actions = append(actions, SetTyping{ChatID: msg.ChatID, UserID: msg.SenderID})
	}
	notify := s.dispatchLocked(actions...)
	s.mu.Unlock()
	notify()

	s.refreshAsync()
}

// reconcileLocked returns the actions that add msg under the configured
// duplicate policy.
func (s *Store) reconcileLocked(msg Message) []Action {
	if p, ok := s.policy.(DedupPending); ok {
		if indexOf(s.state.Messages[msg.ChatID], msg.ID) >= 0 {
			s.log.Debug("dropping duplicate message", zap.String("message_id", msg.ID))
			s.countSend("deduplicated")
			return nil
		}
		if tempID, ok := s.matchPendingLocked(msg, p.window()); ok {
			delete(s.pending, tempID)
			s.countSend("deduplicated")
			return []Action{ConfirmMessage{ChatID: msg.ChatID, TempID: tempID, Message: msg}}
		}
	}

	actions := []Action{AddMessage{ChatID: msg.ChatID, Message: msg}}
	own := s.userID != "" && msg.SenderID == s.userID
	if !own && msg.ChatID != s.state.CurrentChatID {
		actions = append(actions, IncrementUnread{ChatID: msg.ChatID})
	}
	return actions
}

func (s *Store) typing(ev protocol.Event, stop bool) {
	var p protocol.TypingPayload
	if err := ev.Decode(&p); err != nil {
		s.log.Warn("undecodable typing event", zap.Error(err))
		return
	}
	chatID, userID := orElse(p.ChatID.String(), ev.ChatID), orElse(p.UserID.String(), ev.UserID)
	if chatID == "" || userID == "" {
		s.log.Debug("typing event missing chat or user", zap.String("type", ev.Type))
		return
	}
	if userID == s.userID {
		return
	}
	s.setRemoteTyping(chatID, userID, !stop && p.Typing())
}

// setRemoteTyping updates the typing set and (re)arms the expiry timer of a
// typing user.
func (s *Store) setRemoteTyping(chatID, userID string, isTyping bool) {
	key := typingKey{chatID: chatID, userID: userID}

	s.mu.Lock()
	if t, ok := s.typingIn[key]; ok {
		t.timer.Stop()
		delete(s.typingIn, key)
	}
	if isTyping && s.typingTimeout > 0 {
		s.timerSeq++
		seq := s.timerSeq
		s.typingIn[key] = typingTimer{
			seq:   seq,
			timer: s.clock.AfterFunc(s.typingTimeout, func() { s.expireTyping(key, seq) }),
		}
	}
	notify := s.dispatchLocked(SetTyping{ChatID: chatID, UserID: userID, IsTyping: isTyping})
	s.mu.Unlock()
	notify()
}

func (s *Store) expireTyping(key typingKey, seq uint64) {
	s.mu.Lock()
	if t, ok := s.typingIn[key]; !ok || t.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typingIn, key)
	notify := s.dispatchLocked(SetTyping{ChatID: key.chatID, UserID: key.userID})
	s.mu.Unlock()
	notify()
}

func (s *Store) seen(ev protocol.Event) {
	var p protocol.SeenPayload
	if err := ev.Decode(&p); err != nil {
		s.log.Warn("undecodable seen event", zap.Error(err))
		return
	}
	chatID := orElse(p.ChatID.String(), ev.ChatID)
	if chatID == "" {
		return
	}
	s.Dispatch(MarkSeen{
		ChatID:    chatID,
		MessageID: p.MessageID.String(),
		UpTo:      p.LastMessageID.String(),
		SenderID:  p.SenderID.String(),
		ReaderID:  orElse(p.UserID.String(), ev.UserID),
	})
}

func (s *Store) deleted(ev protocol.Event) {
	var p struct {
		protocol.DeletedPayload
		ID protocol.ID `json:"id"`
	}
	if err := ev.Decode(&p); err != nil {
		s.log.Warn("undecodable delete event", zap.Error(err))
		return
	}
	messageID := orElse(p.MessageID.String(), p.ID.String())
	if messageID == "" {
		return
	}
	chatID := orElse(p.ChatID.String(), ev.ChatID)

	s.mu.Lock()
	var actions []Action
	if chatID != "" {
		actions = append(actions, RemoveMessage{ChatID: chatID, MessageID: messageID})
	} else {
		for id, msgs := range s.state.Messages {
			if indexOf(msgs, messageID) >= 0 {
				actions = append(actions, RemoveMessage{ChatID: id, MessageID: messageID})
			}
		}
	}
	notify := s.dispatchLocked(actions...)
	s.mu.Unlock()
	notify()

	s.refreshAsync()
}

func (s *Store) presence(ev protocol.Event) {
	var p protocol.PresencePayload
	if err := ev.Decode(&p); err != nil {
		s.log.Warn("undecodable presence event", zap.Error(err))
		return
	}
	userID := orElse(p.UserID.String(), ev.UserID)
	if userID == "" || p.Status == "" {
		return
	}
	s.Dispatch(UpdatePresence{UserID: userID, Status: p.Status})
}

// handleNotification buffers a notification, forwards it to the sink and
// acknowledges it. State is not touched.
func (s *Store) handleNotification(ev protocol.Event) {
	var p protocol.NotificationPayload
	if err := ev.Decode(&p); err != nil {
		s.log.Warn("undecodable notification", zap.Error(err))
		return
	}
	n := Notification{
		ID:         p.ID.String(),
		Kind:       p.Kind,
		Title:      p.Title,
		Text:       p.Text(),
		ChatID:     ev.ChatID,
		ReceivedAt: s.clock.Now().UTC(),
		Raw:        ev.Raw,
	}
	s.notifications.Add(n)
	if s.sink != nil {
		s.sink.Notify(n)
	}
	if n.ID == "" {
		return
	}
	if err := s.conn.AcknowledgeNotification(n.ID); err != nil {
		s.log.Debug("notification ack not sent", zap.String("id", n.ID), zap.Error(err))
	}
}

func orElse(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
