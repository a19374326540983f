package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/chat-client/internal/clock"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/ws"
	"github.com/whisper/chat-client/pkg/logger"
)

const (
	// DefaultTypingDelay is how long after the last keystroke the store
	// reports that the user stopped typing.
	DefaultTypingDelay = time.Second

	// DefaultTypingTimeout is how long a remote typing indicator lasts
	// without being refreshed.
	DefaultTypingTimeout = time.Second

	// DefaultRequestTimeout bounds REST calls the store makes on its own,
	// such as event-triggered refreshes and typing fallbacks.
	DefaultRequestTimeout = 15 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running store.
var ErrAlreadyStarted = errors.New("chat: store already started")

// Connection is the part of the connection manager the store consumes.
// *ws.Manager implements it.
type Connection interface {
	Connect(token string)
	Disconnect()
	Status() ws.Status
	OnMessage(h ws.EventHandler) func()
	OnStatusChange(h ws.StatusHandler) func()
	OnNotification(h ws.EventHandler) func()
	SendTyping(chatID string, isTyping bool) error
	SendSeen(chatID, messageID string) error
	SendSeenBulk(chatID, lastMessageID string) error
	AcknowledgeNotification(notificationID string) error
}

// MessageQuery selects a page of message history.
type MessageQuery struct {
	Limit  int
	Before string
}

// API is the REST collaborator. *api.HTTPClient implements it.
type API interface {
	ListChats(ctx context.Context) ([]Chat, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetMessages(ctx context.Context, chatID string, q MessageQuery) ([]Message, error)
	SendMessage(ctx context.Context, chatID, content string) (Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SendTyping(ctx context.Context, chatID string, isTyping bool) error
	MarkAsSeen(ctx context.Context, chatID, messageID string) error
	CreateChat(ctx context.Context, participantID string) (Chat, error)
	CreateGroup(ctx context.Context, title string, participantIDs []string) (Chat, error)
}

// NotificationSink receives every notification the store buffers.
type NotificationSink interface {
	Notify(n Notification)
}

// SendError is returned by SendMessage when the server rejects a message
// after it was added optimistically. Content is the text that was not sent,
// so the caller can restore it.
type SendError struct {
	ChatID  string
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chat: send to %s failed: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreClock replaces the wall clock used for debouncing and expiry.
func WithStoreClock(c clock.Clock) StoreOption { return func(s *Store) { s.clock = c } }

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption { return func(s *Store) { s.log = l } }

// WithStoreMetrics attaches Prometheus collectors.
func WithStoreMetrics(m *metrics.Client) StoreOption { return func(s *Store) { s.metrics = m } }

// WithUserID sets the id of the signed-in user. It is used as the sender of
// optimistic messages and to ignore the user's own typing echoes.
func WithUserID(id string) StoreOption { return func(s *Store) { s.userID = id } }

// WithDuplicatePolicy selects how chat/receive events for the user's own
// pending messages are reconciled. The default is AcceptDuplicates.
func WithDuplicatePolicy(p DuplicatePolicy) StoreOption { return func(s *Store) { s.policy = p } }

// WithNotificationSink forwards notifications to sink.
func WithNotificationSink(sink NotificationSink) StoreOption {
	return func(s *Store) { s.sink = sink }
}

// WithTypingDelay overrides DefaultTypingDelay.
func WithTypingDelay(d time.Duration) StoreOption { return func(s *Store) { s.typingDelay = d } }

// WithTypingTimeout overrides DefaultTypingTimeout.
func WithTypingTimeout(d time.Duration) StoreOption { return func(s *Store) { s.typingTimeout = d } }

// WithNotificationCapacity sets how many notifications are kept.
func WithNotificationCapacity(n int) StoreOption {
	return func(s *Store) { s.notifications = NewNotificationBuffer(n) }
}

type pendingSend struct {
	chatID    string
	content   string
	createdAt time.Time
}

type typingTimer struct {
	timer clock.Timer
	seq   uint64
}

// Store is the single mutation point for chat State. Every change goes
// through Reduce; subscribers are notified after each dispatch.
type Store struct {
	conn          Connection
	api           API
	clock         clock.Clock
	log           *zap.Logger
	metrics       *metrics.Client
	policy        DuplicatePolicy
	sink          NotificationSink
	notifications *NotificationBuffer
	userID        string
	typingDelay   time.Duration
	typingTimeout time.Duration

	mu           sync.Mutex
	state        State
	listeners    map[int]func(State)
	nextListener int
	notes        []stateNote // states not yet delivered to listeners, oldest first
	delivering   bool        // a goroutine is draining notes
	pending      map[string]pendingSend   // temp id -> optimistic send
	typingOut    map[string]typingTimer   // chat id -> stop-typing debounce
	typingIn     map[typingKey]typingTimer // remote typing expiry
	timerSeq     uint64
	started      bool
	connected    bool // a connection has been established since Start
	unsubscribe  []func()
	ctx          context.Context
	cancel       context.CancelFunc

	refresh singleflight.Group
	wg      sync.WaitGroup
}

type typingKey struct{ chatID, userID string }

type stateNote struct {
	state     State
	listeners []func(State)
}

// NewStore creates a Store with an empty State.
func NewStore(conn Connection, api API, opts ...StoreOption) *Store {
	s := &Store{
		conn:          conn,
		api:           api,
		policy:        AcceptDuplicates{},
		typingDelay:   DefaultTypingDelay,
		typingTimeout: DefaultTypingTimeout,
		state:         NewState(),
		listeners:     map[int]func(State){},
		pending:       map[string]pendingSend{},
		typingOut:     map[string]typingTimer{},
		typingIn:      map[typingKey]typingTimer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.log, "chat")
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.policy == nil {
		s.policy = AcceptDuplicates{}
	}
	if s.notifications == nil {
		s.notifications = NewNotificationBuffer(DefaultNotificationCapacity)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start subscribes to the connection, connects with token and loads the
// chat list. A failed initial load is returned but leaves the store running;
// live events keep flowing.
func (s *Store) Start(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	unsubs := []func(){
		s.conn.OnStatusChange(s.handleStatus),
		s.conn.OnMessage(s.handleEvent),
		s.conn.OnNotification(s.handleNotification),
	}
	s.mu.Lock()
	s.unsubscribe = unsubs
	s.mu.Unlock()

	s.conn.Connect(token)

	if err := s.LoadChats(ctx); err != nil {
		return fmt.Errorf("chat: initial chat load: %w", err)
	}
	return nil
}

// Stop unsubscribes from the connection, cancels pending timers and
// background refreshes, and disconnects. The State is kept, with the
// connection status it was left in.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.connected = false
	unsubs := s.unsubscribe
	s.unsubscribe = nil
	for chatID, t := range s.typingOut {
		t.timer.Stop()
		delete(s.typingOut, chatID)
	}
	for key, t := range s.typingIn {
		t.timer.Stop()
		delete(s.typingIn, key)
	}
	s.cancel()
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()
	s.conn.Disconnect()
	s.Dispatch(SetConnectionStatus{Status: s.conn.Status()})
}

// ---------------------------------------------------------------------------
// State access
// ---------------------------------------------------------------------------

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive the State after every dispatch.
// Listeners see states in dispatch order, one at a time. A dispatch made
// while another goroutine is delivering returns before the listeners run;
// that goroutine delivers it next. Listeners may dispatch.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Notifications returns the buffered notifications, oldest first.
func (s *Store) Notifications() []Notification {
	return s.notifications.Recent()
}

// Dispatch applies a to the State and notifies subscribers.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	notify := s.dispatchLocked(a)
	s.mu.Unlock()
	notify()
}

// dispatchLocked reduces actions, queues the resulting State for the
// listeners and returns the delivery to run once s.mu is released.
func (s *Store) dispatchLocked(actions ...Action) func() {
	if len(actions) == 0 {
		return func() {}
	}
	for _, a := range actions {
		s.state = Reduce(s.state, a)
	}
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.notes = append(s.notes, stateNote{state: s.state, listeners: listeners})
	return s.deliver
}

// deliver drains queued states in order unless another goroutine already is.
func (s *Store) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.notes) > 0 {
		n := s.notes[0]
		s.notes[0] = stateNote{}
		s.notes = s.notes[1:]
		s.mu.Unlock()

		for _, fn := range n.listeners {
			s.safeNotify(fn, n.state)
		}

		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Store) safeNotify(fn func(State), state State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state subscriber panicked", zap.Any("panic", r))
			if s.metrics != nil {
				s.metrics.HandlerPanics.Inc()
			}
		}
	}()
	fn(state)
}

// ---------------------------------------------------------------------------
// Imperative actions
// ---------------------------------------------------------------------------

// LoadChats fetches the chat list and replaces the local one.
func (s *Store) LoadChats(ctx context.Context) error {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("chat: list chats: %w", err)
	}
	s.Dispatch(SetChats{Chats: chats})
	return nil
}

// RefreshChats reloads the chat list. Concurrent calls share one request.
func (s *Store) RefreshChats(ctx context.Context) error {
	_, err, shared := s.refresh.Do("chats", func() (interface{}, error) {
		return nil, s.LoadChats(ctx)
	})
	if shared {
		s.log.Debug("chat list refresh coalesced")
	}
	return err
}

// LoadUsers fetches the user directory.
func (s *Store) LoadUsers(ctx context.Context) error {
	users, err := s.api.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("chat: list users: %w", err)
	}
	s.Dispatch(SetUsers{Users: users})
	return nil
}

// LoadMessages fetches history for chatID and replaces its message list.
func (s *Store) LoadMessages(ctx context.Context, chatID string, q MessageQuery) error {
	msgs, err := s.api.GetMessages(ctx, chatID, q)
	if err != nil {
		return fmt.Errorf("chat: get messages for %s: %w", chatID, err)
	}
	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
	}
	s.Dispatch(SetMessages{ChatID: chatID, Messages: msgs})
	return nil
}

// SelectChat opens chatID (or closes the open chat when empty) and clears
// its unread counter.
func (s *Store) SelectChat(chatID string) {
	s.mu.Lock()
	actions := []Action{SelectChat{ChatID: chatID}}
	if chatID != "" {
		actions = append(actions, ResetUnread{ChatID: chatID})
	}
	notify := s.dispatchLocked(actions...)
	s.mu.Unlock()
	notify()
}

// SendMessage appends a temporary message to chatID immediately and then
// posts it. On success the temporary entry is replaced in place by the
// confirmed message. On failure it is removed and a *SendError carrying the
// content is returned. Invalid text is rejected before anything is added.
func (s *Store) SendMessage(ctx context.Context, chatID, content string) (Message, error) {
	if err := ValidateMessage(content); err != nil {
		return Message{}, err
	}

	now := s.clock.Now().UTC()
	temp := Message{
		ID:        TempIDPrefix + uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.userID,
		Content:   content,
		Type:      MessageText,
		CreatedAt: now,
		IsRead:    true,
		Pending:   true,
	}

	s.mu.Lock()
	s.pending[temp.ID] = pendingSend{chatID: chatID, content: content, createdAt: now}
	notify := s.dispatchLocked(AddMessage{ChatID: chatID, Message: temp})
	s.mu.Unlock()
	notify()

	start := time.Now()
	msg, err := s.api.SendMessage(ctx, chatID, content)
	if s.metrics != nil {
		s.metrics.SendLatency.Observe(time.Since(start).Seconds())
	}

	s.mu.Lock()
	delete(s.pending, temp.ID)
	if err != nil {
		notify = s.dispatchLocked(RemoveMessage{ChatID: chatID, MessageID: temp.ID})
	} else {
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		notify = s.dispatchLocked(ConfirmMessage{ChatID: chatID, TempID: temp.ID, Message: msg})
	}
	s.mu.Unlock()
	notify()

	if err != nil {
		s.log.Warn("send failed, optimistic message rolled back",
			zap.String("chat_id", chatID), zap.Error(err))
		s.countSend("rolled_back")
		return Message{}, &SendError{ChatID: chatID, Content: content, Err: err}
	}
	s.countSend("confirmed")
	s.refreshAsync()
	return msg, nil
}

// DeleteMessage deletes a message on the server and then locally.
func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("chat: delete message %s: %w", messageID, err)
	}
	s.Dispatch(RemoveMessage{ChatID: chatID, MessageID: messageID})
	s.refreshAsync()
	return nil
}

// MarkAsSeen marks messageID (or, when empty, every message from other
// users) as read locally and reports it to the server, over the gateway when
// connected and over REST otherwise.
func (s *Store) MarkAsSeen(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	mark := MarkSeen{ChatID: chatID, MessageID: messageID}
	if messageID == "" {
		mark.ReaderID = s.userID
	}
	lastID := ""
	if msgs := s.state.Messages[chatID]; len(msgs) > 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if !msgs[i].IsTemporary() {
				lastID = msgs[i].ID
				break
			}
		}
	}
	notify := s.dispatchLocked(mark, ResetUnread{ChatID: chatID})
	s.mu.Unlock()
	notify()

	var err error
	switch {
	case messageID != "":
		err = s.conn.SendSeen(chatID, messageID)
	case lastID != "":
		err = s.conn.SendSeenBulk(chatID, lastID)
	default:
		err = ws.ErrNotConnected
	}
	if err == nil {
		return nil
	}
	if err := s.api.MarkAsSeen(ctx, chatID, messageID); err != nil {
		return fmt.Errorf("chat: mark %s seen: %w", chatID, err)
	}
	return nil
}

// Typing records a keystroke in chatID. It sends typing=true right away and
// typing=false once no keystroke has arrived for the typing delay.
func (s *Store) Typing(chatID string) {
	s.mu.Lock()
	if prev, ok := s.typingOut[chatID]; ok {
		prev.timer.Stop()
	}
	s.timerSeq++
	seq := s.timerSeq
	s.typingOut[chatID] = typingTimer{
		seq:   seq,
		timer: s.clock.AfterFunc(s.typingDelay, func() { s.stopTyping(chatID, seq) }),
	}
	s.mu.Unlock()

	s.sendTyping(chatID, true)
}

func (s *Store) stopTyping(chatID string, seq uint64) {
	s.mu.Lock()
	if t, ok := s.typingOut[chatID]; !ok || t.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typingOut, chatID)
	s.mu.Unlock()

	s.sendTyping(chatID, false)
}

// sendTyping reports typing over the gateway, falling back to REST while
// the gateway is unavailable.
func (s *Store) sendTyping(chatID string, isTyping bool) {
	err := s.conn.SendTyping(chatID, isTyping)
	if err == nil {
		return
	}
	if !errors.Is(err, ws.ErrNotConnected) {
		s.log.Debug("typing frame failed", zap.String("chat_id", chatID), zap.Error(err))
	}
	s.background(func(ctx context.Context) {
		if err := s.api.SendTyping(ctx, chatID, isTyping); err != nil {
			s.log.Debug("typing fallback failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	})
}

// CreateChat opens a direct chat with participantID and adds it to the list.
func (s *Store) CreateChat(ctx context.Context, participantID string) (Chat, error) {
	c, err := s.api.CreateChat(ctx, participantID)
	if err != nil {
		return Chat{}, fmt.Errorf("chat: create chat: %w", err)
	}
	s.Dispatch(UpsertChat{Chat: c})
	return c, nil
}

// CreateGroup creates a group chat and adds it to the list.
func (s *Store) CreateGroup(ctx context.Context, title string, participantIDs []string) (Chat, error) {
	c, err := s.api.CreateGroup(ctx, title, participantIDs)
	if err != nil {
		return Chat{}, fmt.Errorf("chat: create group: %w", err)
	}
	s.Dispatch(UpsertChat{Chat: c})
	return c, nil
}

// refreshAsync reloads the chat list off the caller's goroutine.
func (s *Store) refreshAsync() {
	s.background(func(ctx context.Context) {
		if err := s.RefreshChats(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("chat list refresh failed", zap.Error(err))
		}
	})
}

// background runs fn on its own goroutine with a bounded context that is
// cancelled by Stop.
func (s *Store) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	parent := s.ctx
	if parent.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(parent, DefaultRequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Store) countSend(outcome string) {
	if s.metrics != nil {
		s.metrics.OptimisticSends.WithLabelValues(outcome).Inc()
	}
}
