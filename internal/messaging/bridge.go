package messaging

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/internal/ws"
	"github.com/whisper/chat-client/pkg/logger"
)

// Publisher is the part of NATSClient the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationBridge forwards gateway notifications and connection status
// changes of one user to NATS. It implements chat.NotificationSink.
type NotificationBridge struct {
	pub    Publisher
	userID string
	log    *zap.Logger
}

var _ chat.NotificationSink = (*NotificationBridge)(nil)

// StatusEvent is published on SubjectStatus.<user_id>.
type StatusEvent struct {
	UserID string    `json:"user_id"`
	Status ws.Status `json:"status"`
}

// NewNotificationBridge returns a bridge publishing under userID. An empty
// userID publishes under "anonymous".
func NewNotificationBridge(pub Publisher, userID string, log *zap.Logger) *NotificationBridge {
	if userID == "" {
		userID = "anonymous"
	}
	return &NotificationBridge{pub: pub, userID: userID, log: logger.Component(log, "bridge")}
}

// NotificationSubject returns the subject notifications for userID go to.
func NotificationSubject(userID string) string { return SubjectNotification + "." + userID }

// StatusSubject returns the subject status changes for userID go to.
func StatusSubject(userID string) string { return SubjectStatus + "." + userID }

// Notify publishes n as JSON. Failures are logged and dropped.
func (b *NotificationBridge) Notify(n chat.Notification) {
	b.publish(NotificationSubject(b.userID), n)
}

// OnStatus publishes a connection status change. It has the shape of a
// ws.StatusHandler.
func (b *NotificationBridge) OnStatus(status ws.Status) {
	b.publish(StatusSubject(b.userID), StatusEvent{UserID: b.userID, Status: status})
}

func (b *NotificationBridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("encode", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
