// Package ws maintains the client's single WebSocket connection to the chat
// gateway. The Manager authenticates with a bearer token, reconnects after
// unplanned closes, reports status changes, and fans inbound events out to
// subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/clock"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/pkg/logger"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

var allStatuses = []string{
	string(StatusDisconnected),
	string(StatusConnecting),
	string(StatusConnected),
	string(StatusReconnecting),
}

// ErrNotConnected is returned by the send methods while the connection is
// not open. The frame is dropped, never queued.
var ErrNotConnected = errors.New("ws: not connected")

// ManagerConfig holds tunable parameters for the connection manager.
type ManagerConfig struct {
	URL            string        // gateway endpoint, e.g. "wss://api.example.com/ws"
	ReconnectDelay time.Duration // delay of the default fixed backoff
	DialTimeout    time.Duration // bound on a single handshake
	WriteTimeout   time.Duration // bound on a single frame write
	PingInterval   time.Duration // heartbeat period, 0 disables
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		URL:            "ws://localhost:8080/ws",
		ReconnectDelay: 3 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the gobwas/ws dialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// WithClock replaces the wall clock used for reconnection and heartbeats.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithBackoff replaces the fixed reconnection delay with another policy.
func WithBackoff(b Backoff) Option { return func(m *Manager) { m.backoff = b } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(c *metrics.Client) Option { return func(m *Manager) { m.metrics = c } }

// Manager owns one live gateway connection.
//
// Status transitions:
//
//	disconnected -> connecting     Connect
//	connecting   -> connected      handshake succeeded
//	connecting   -> disconnected   handshake failed
//	connected    -> disconnected   transport closed or errored
//	disconnected -> reconnecting   right after an unplanned close, if a token is held
//	reconnecting -> connecting     after the backoff delay
//	any          -> disconnected   Disconnect (stops the retry loop)
type Manager struct {
	config  ManagerConfig
	dialer  Dialer
	clock   clock.Clock
	backoff Backoff
	log     *zap.Logger
	metrics *metrics.Client

	mu              sync.Mutex
	status          Status
	token           string
	shouldReconnect bool
	conn            Conn
	gen             uint64 // bumped by every open attempt and by Disconnect
	attempt         int    // consecutive reconnection attempts since the last open
	reconnectTimer  clock.Timer
	heartbeat       clock.Timer
	cancelDial      context.CancelFunc

	dispatcher *Dispatcher
	statusSubs subscribers[StatusHandler]
	notes      []statusNote // status changes not yet delivered, oldest first

	deliverMu sync.Mutex // held while status notes are delivered
}

// statusNote is one status change waiting for delivery. A replay targets
// only the handler that just subscribed.
type statusNote struct {
	from, to Status
	handlers []StatusHandler
	replay   bool
}

// NewManager creates a disconnected Manager for the configured endpoint.
func NewManager(config ManagerConfig, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		status: StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Component(m.log, "ws")
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.dialer == nil {
		m.dialer = GobwasDialer{WriteTimeout: config.WriteTimeout}
	}
	if m.backoff == nil {
		m.backoff = FixedBackoff(config.ReconnectDelay)
	}
	m.dispatcher = NewDispatcher(m.log, m.metrics)
	m.metrics.SetStatus(string(StatusDisconnected), allStatuses)
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns a process-wide Manager built from DefaultManagerConfig.
// Prefer NewManager; this exists for small programs that want one shared
// connection.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(DefaultManagerConfig())
	})
	return defaultManager
}

// Connect opens an authenticated connection using token. It returns
// immediately; progress is reported through status changes. Calling Connect
// while a connection is open or being opened only refreshes the stored token.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if token == "" && m.token == "" {
		m.mu.Unlock()
		m.log.Warn("connect called without a token")
		return
	}
	if token != "" {
		m.token = token
	}
	m.shouldReconnect = true
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	m.open()
}

// Disconnect cancels any pending reconnection, closes the connection and
// disables automatic reconnection until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.shouldReconnect = false
	m.gen++
	gen := m.gen
	m.attempt = 0
	m.stopReconnectTimerLocked()
	m.stopHeartbeatLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close failed", zap.Error(err))
		}
	}
	m.transition(gen, StatusDisconnected)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnMessage subscribes to every parsed inbound event.
func (m *Manager) OnMessage(h EventHandler) func() {
	return m.dispatcher.OnMessage(h)
}

// OnNotification subscribes to notification events.
func (m *Manager) OnNotification(h EventHandler) func() {
	return m.dispatcher.OnNotification(h)
}

// OnStatusChange subscribes to status changes. The handler is invoked once
// with the current status before OnStatusChange returns.
//
// Handlers receive changes one at a time, in the order they happened. They
// must not call Connect, Disconnect or OnStatusChange synchronously.
func (m *Manager) OnStatusChange(h StatusHandler) func() {
	m.mu.Lock()
	unsubscribe := m.statusSubs.add(h)
	m.notes = append(m.notes, statusNote{to: m.status, handlers: []StatusHandler{h}, replay: true})
	m.mu.Unlock()

	m.deliverStatus()
	return unsubscribe
}

// Send transmits an event frame of the given type. payload must encode to a
// JSON object (or be nil); its "type" is overridden by eventType.
func (m *Manager) Send(eventType string, payload interface{}) error {
	data, err := protocol.NewMessage(eventType, payload)
	if err != nil {
		return err
	}
	return m.write(eventType, data)
}

// SendRaw transmits v encoded as JSON without any envelope handling.
func (m *Manager) SendRaw(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshal outbound frame: %w", err)
	}
	return m.write("raw", data)
}

// SendTyping reports whether the user is composing in chatID.
func (m *Manager) SendTyping(chatID string, isTyping bool) error {
	return m.SendRaw(protocol.TypingMsg{
		Type:     protocol.TypeTyping,
		ChatID:   chatID,
		IsTyping: isTyping,
	})
}

// SendSeen sends a read receipt for one message.
func (m *Manager) SendSeen(chatID, messageID string) error {
	return m.SendRaw(protocol.SeenMsg{
		Type:      protocol.TypeSeen,
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// SendSeenBulk marks everything up to lastMessageID as read.
func (m *Manager) SendSeenBulk(chatID, lastMessageID string) error {
	return m.SendRaw(protocol.SeenMsg{
		Type:          protocol.TypeSeen,
		ChatID:        chatID,
		LastMessageID: lastMessageID,
	})
}

// SendPresence announces the user's presence status.
func (m *Manager) SendPresence(status string) error {
	return m.SendRaw(protocol.PresenceMsg{
		Type:      protocol.TypePresence,
		Status:    status,
		Timestamp: m.clock.Now().UTC(),
	})
}

// AcknowledgeNotification confirms receipt of a notification.
func (m *Manager) AcknowledgeNotification(notificationID string) error {
	return m.SendRaw(protocol.NotificationAckMsg{
		Type:           protocol.TypeNotificationAck,
		NotificationID: notificationID,
		Timestamp:      m.clock.Now().UTC(),
	})
}

// ---------------------------------------------------------------------------
// Lifecycle internals
// ---------------------------------------------------------------------------

// open starts a new connection attempt in the background.
func (m *Manager) open() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	endpoint, err := withToken(m.config.URL, m.token)
	if err != nil {
		m.shouldReconnect = false
		m.mu.Unlock()
		m.log.Error("invalid gateway url", zap.String("url", m.config.URL), zap.Error(err))
		m.transition(gen, StatusDisconnected)
		return
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.config.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.config.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	m.transition(gen, StatusConnecting)
	go m.run(ctx, cancel, gen, endpoint)
}

// run dials and then reads frames until the connection drops.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, gen uint64, endpoint string) {
	conn, err := m.dialer.Dial(ctx, endpoint)
	cancel()
	if err != nil {
		m.log.Warn("connection attempt failed", zap.Error(err))
		m.handleClose(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.cancelDial = nil
	m.attempt = 0
	m.mu.Unlock()

	if !m.transition(gen, StatusConnected) {
		return
	}
	m.log.Info("connected")
	m.startHeartbeat(gen, conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(data)
	}
}

// handleFrame parses one inbound frame and dispatches it. Malformed frames
// are logged and dropped; they never affect the connection.
func (m *Manager) handleFrame(data []byte) {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		m.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		if m.metrics != nil {
			m.metrics.FramesTotal.WithLabelValues("malformed").Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.FramesTotal.WithLabelValues("dispatched").Inc()
	}
	m.dispatcher.Dispatch(ev)
}

// handleClose reacts to a failed handshake or a dropped connection that
// belongs to attempt gen.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.cancelDial = nil
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.log.Warn("connection closed", zap.Error(cause))
	}
	m.transition(gen, StatusDisconnected)
	m.scheduleReconnect(gen)
}

// scheduleReconnect moves to reconnecting and arms the backoff timer, unless
// reconnection was cancelled or no token is held. The status change and the
// timer are recorded under one lock so observers of reconnecting can rely on
// the timer being armed.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect || m.token == "" {
		m.mu.Unlock()
		return
	}
	notify := m.setStatusLocked(StatusReconnecting)
	m.attempt++
	attempt := m.attempt
	delay := m.backoff.Delay(attempt)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	notify()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.open()
}

// transition sets the status if attempt gen is still current and notifies
// the status subscribers. It reports whether gen was current.
func (m *Manager) transition(gen uint64, status Status) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	notify := m.setStatusLocked(status)
	m.mu.Unlock()

	notify()
	return true
}

// setStatusLocked records status, queues it for the subscribers and returns
// the delivery to run once m.mu is released. Setting the current status
// again notifies nobody.
func (m *Manager) setStatusLocked(status Status) func() {
	prev := m.status
	if prev == status {
		return func() {}
	}
	m.status = status
	m.notes = append(m.notes, statusNote{from: prev, to: status, handlers: m.statusSubs.snapshot()})
	return m.deliverStatus
}

// deliverStatus drains the queued status notes in order. Whoever holds
// deliverMu delivers every note queued meanwhile, so a change made on one
// goroutine never overtakes an earlier change made on another, and every
// note queued before the call has been delivered when it returns.
func (m *Manager) deliverStatus() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	for {
		m.mu.Lock()
		if len(m.notes) == 0 {
			m.mu.Unlock()
			return
		}
		n := m.notes[0]
		m.notes[0] = statusNote{}
		m.notes = m.notes[1:]
		m.mu.Unlock()

		if !n.replay {
			m.log.Debug("status changed", zap.String("from", string(n.from)), zap.String("to", string(n.to)))
			m.metrics.SetStatus(string(n.to), allStatuses)
		}
		for _, h := range n.handlers {
			m.dispatcher.safeCall("status", string(n.to), func() { h(n.to) })
		}
	}
}

func (m *Manager) write(kind string, data []byte) error {
	m.mu.Lock()
	conn, status := m.conn, m.status
	m.mu.Unlock()

	if status != StatusConnected || conn == nil {
		m.log.Warn("dropping outbound frame: not connected",
			zap.String("frame", kind), zap.String("status", string(status)))
		if m.metrics != nil {
			m.metrics.OutboundTotal.WithLabelValues("dropped").Inc()
		}
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		m.log.Warn("outbound frame failed", zap.String("frame", kind), zap.Error(err))
		if m.metrics != nil {
			m.metrics.OutboundTotal.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("ws: write %s: %w", kind, err)
	}
	if m.metrics != nil {
		m.metrics.OutboundTotal.WithLabelValues("sent").Inc()
	}
	return nil
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// withToken returns endpoint with token set as the "token" query parameter.
func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("ws: endpoint %q must be absolute", endpoint)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
