package chat

import "time"

// DefaultDedupWindow is used by DedupPending when Window is not positive.
const DefaultDedupWindow = 5 * time.Second

// DuplicatePolicy decides what happens when the gateway echoes a message
// the user is still sending. The two paths race: the chat/receive event can
// arrive before the REST response that confirms the optimistic entry.
type DuplicatePolicy interface {
	duplicatePolicy()
}

// AcceptDuplicates appends every received message as is. If the echo wins
// the race the chat briefly shows the message twice, once under the
// temporary id and once under the server id, and keeps both once the REST
// response confirms the temporary entry.
type AcceptDuplicates struct{}

// DedupPending reconciles echoes with pending sends. A received message
// whose id is already listed is dropped. A received message with the same
// chat, sender and content as a pending optimistic entry created at most
// Window before it arrived replaces that entry in place.
type DedupPending struct {
	Window time.Duration
}

func (AcceptDuplicates) duplicatePolicy() {}
func (DedupPending) duplicatePolicy()     {}

func (p DedupPending) window() time.Duration {
	if p.Window <= 0 {
		return DefaultDedupWindow
	}
	return p.Window
}

// matchPendingLocked returns the oldest pending send that msg confirms.
func (s *Store) matchPendingLocked(msg Message, window time.Duration) (string, bool) {
	now := s.clock.Now()
	listed := s.state.Messages[msg.ChatID]
	var (
		bestID string
		best   pendingSend
	)
	for tempID, p := range s.pending {
		if p.chatID != msg.ChatID || p.content != msg.Content {
			continue
		}
		if s.userID != "" && msg.SenderID != "" && msg.SenderID != s.userID {
			continue
		}
		if now.Sub(p.createdAt) > window || indexOf(listed, tempID) < 0 {
			continue
		}
		if bestID == "" || p.createdAt.Before(best.createdAt) {
			bestID, best = tempID, p
		}
	}
	return bestID, bestID != ""
}
