package chat

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultNotificationCapacity is the number of notifications kept by a
// NotificationBuffer created with a non-positive capacity.
const DefaultNotificationCapacity = 20

// Notification is a side-channel alert from the gateway. It never changes
// the chat State.
type Notification struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind,omitempty"`
	Title      string          `json:"title,omitempty"`
	Text       string          `json:"text,omitempty"`
	ChatID     string          `json:"chat_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// NotificationBuffer keeps the most recent notifications in a ring buffer.
// It is goroutine-safe.
type NotificationBuffer struct {
	mu    sync.RWMutex
	items []Notification
	pos   int
	count int
}

// NewNotificationBuffer creates an empty buffer holding at most capacity
// notifications.
func NewNotificationBuffer(capacity int) *NotificationBuffer {
	if capacity <= 0 {
		capacity = DefaultNotificationCapacity
	}
	return &NotificationBuffer{items: make([]Notification, capacity)}
}

// Add appends n, overwriting the oldest entry when the buffer is full.
func (b *NotificationBuffer) Add(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.pos] = n
	b.pos = (b.pos + 1) % len(b.items)
	if b.count < len(b.items) {
		b.count++
	}
}

// Recent returns the buffered notifications oldest first. It never returns
// nil.
func (b *NotificationBuffer) Recent() []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.items)
	result := make([]Notification, b.count)
	// The oldest entry is at (pos - count) mod size.
	start := (b.pos - b.count + size) % size
	for i := 0; i < b.count; i++ {
		result[i] = b.items[(start+i)%size]
	}
	return result
}

// Len returns the number of buffered notifications.
func (b *NotificationBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear drops every buffered notification.
func (b *NotificationBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		b.items[i] = Notification{}
	}
	b.pos, b.count = 0, 0
}
