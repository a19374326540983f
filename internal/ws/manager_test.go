package ws

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whisper/chat-client/internal/clock"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	pings   int
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	fail  error
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dialed connection")
		return nil
	}
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
	ch   chan Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan Status, 64)}
}

func (r *statusRecorder) handle(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func (r *statusRecorder) waitFor(t *testing.T, want Status) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q, saw %v", want, r.all())
		}
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeDialer, *clock.Fake, *statusRecorder) {
	t.Helper()
	dialer := newFakeDialer()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	config := DefaultManagerConfig()
	config.PingInterval = 0

	base := []Option{WithDialer(dialer), WithClock(clk), WithLogger(zaptest.NewLogger(t))}
	m := NewManager(config, append(base, opts...)...)
	rec := newStatusRecorder()
	m.OnStatusChange(rec.handle)
	rec.waitFor(t, StatusDisconnected)
	t.Cleanup(m.Disconnect)
	return m, dialer, clk, rec
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestConnect_OpensWithTokenInURL(t *testing.T) {
	m, dialer, _, rec := newTestManager(t)

	m.Connect("jwt-abc")
	rec.waitFor(t, StatusConnected)

	require.Equal(t, 1, dialer.dials())
	assert.Equal(t, "ws://localhost:8080/ws?token=jwt-abc", dialer.urls[0])
	assert.Equal(t, []Status{StatusDisconnected, StatusConnecting, StatusConnected}, rec.all())
}

func TestConnect_IdempotentWhileOpen(t *testing.T) {
	m, dialer, _, rec := newTestManager(t)

	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	m.Connect("tok")
	m.Connect("tok")

	assert.Equal(t, 1, dialer.dials())
	assert.Equal(t, StatusConnected, m.Status())
}

func TestConnect_WithoutToken(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)

	m.Connect("")

	assert.Equal(t, 0, dialer.dials())
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestStatusReplayOnSubscribe(t *testing.T) {
	m, _, _, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)

	var got []Status
	unsubscribe := m.OnStatusChange(func(s Status) { got = append(got, s) })
	defer unsubscribe()

	// Delivered synchronously, before OnStatusChange returned.
	assert.Equal(t, []Status{StatusConnected}, got)
}

func TestReconnect_FixedDelayAfterUnplannedClose(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)

	dialer.next(t).drop()
	rec.waitFor(t, StatusReconnecting)
	require.Equal(t, 1, clk.Pending())

	clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, StatusReconnecting, m.Status())
	assert.Equal(t, 1, dialer.dials())

	clk.Advance(time.Millisecond)
	seen := rec.all()
	assert.Contains(t, seen[len(seen)-2:], StatusConnecting)

	rec.waitFor(t, StatusConnected)
	assert.Equal(t, 2, dialer.dials())
}

func TestReconnect_TransitionsThroughDisconnected(t *testing.T) {
	m, dialer, _, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)

	dialer.next(t).drop()
	rec.waitFor(t, StatusReconnecting)

	seen := rec.all()
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected, StatusReconnecting}, seen[len(seen)-3:])
	assert.Equal(t, StatusReconnecting, m.Status())
}

func TestDisconnect_HaltsRetries(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)

	dialer.next(t).drop()
	rec.waitFor(t, StatusReconnecting)

	m.Disconnect()
	rec.waitFor(t, StatusDisconnected)
	before := len(rec.all())

	clk.Advance(time.Minute)

	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, dialer.dials())
	assert.Zero(t, clk.Pending())
	assert.Len(t, rec.all(), before)
}

func TestDisconnect_ThenConnectAgain(t *testing.T) {
	m, dialer, _, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	first := dialer.next(t)

	m.Disconnect()
	rec.waitFor(t, StatusDisconnected)
	select {
	case <-first.closed:
	default:
		t.Fatal("expected the connection to be closed")
	}

	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	assert.Equal(t, 2, dialer.dials())
}

func TestDialFailure_SchedulesReconnect(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	dialer.setFail(errors.New("connection refused"))

	m.Connect("tok")
	rec.waitFor(t, StatusDisconnected)
	rec.waitFor(t, StatusReconnecting)
	require.Equal(t, 1, clk.Pending())

	dialer.setFail(nil)
	clk.Advance(3 * time.Second)
	rec.waitFor(t, StatusConnected)
	assert.Equal(t, 2, dialer.dials())
	assert.Equal(t, StatusConnected, m.Status())
}

func TestRetriesIndefinitely(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	dialer.setFail(errors.New("down"))

	m.Connect("tok")
	rec.waitFor(t, StatusReconnecting)
	for i := 0; i < 10; i++ {
		clk.Advance(3 * time.Second)
		rec.waitFor(t, StatusReconnecting)
	}
	assert.Equal(t, 11, dialer.dials())
}

func TestExponentialBackoffOptIn(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t, WithBackoff(ExponentialBackoff{
		Initial: time.Second, Max: 4 * time.Second, Multiplier: 2,
	}))
	dialer.setFail(errors.New("down"))

	m.Connect("tok")
	rec.waitFor(t, StatusReconnecting)

	clk.Advance(time.Second) // attempt 1 waited 1s
	rec.waitFor(t, StatusReconnecting)
	clk.Advance(1999 * time.Millisecond) // attempt 2 waits 2s
	assert.Equal(t, 2, dialer.dials())
	clk.Advance(time.Millisecond)
	rec.waitFor(t, StatusReconnecting)
	assert.Equal(t, 3, dialer.dials())
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func TestMalformedFrame_DroppedWithoutStatusChange(t *testing.T) {
	reg := metrics.New()
	m, dialer, _, rec := newTestManager(t, WithMetrics(reg))
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	conn := dialer.next(t)

	events := make(chan protocol.Event, 4)
	m.OnMessage(func(ev protocol.Event) { events <- ev })

	assert.NotPanics(t, func() { m.handleFrame([]byte("this is not json")) })
	conn.inbound <- []byte("{broken")
	conn.inbound <- []byte(`{"type":"presence","user_id":"u1","status":"online"}`)

	select {
	case ev := <-events:
		assert.Equal(t, protocol.TypePresence, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones was not delivered")
	}
	assert.Equal(t, StatusConnected, m.Status())
}

func TestFanOut_NotificationsReachBothSubscriberKinds(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	var messages, notifications []string
	m.OnMessage(func(ev protocol.Event) { messages = append(messages, ev.Type) })
	m.OnNotification(func(ev protocol.Event) { notifications = append(notifications, ev.Type) })

	m.handleFrame([]byte(`{"type":"chat/receive","data":{"id":"m1"}}`))
	m.handleFrame([]byte(`{"type":"notification","data":{"id":"n1"}}`))
	m.handleFrame([]byte(`{"type":"reel/new"}`))

	assert.Equal(t, []string{"chat/receive", "notification", "reel/new"}, messages)
	assert.Equal(t, []string{"notification"}, notifications)
}

func TestFanOut_PanickingHandlerIsolated(t *testing.T) {
	reg := metrics.New()
	m, _, _, _ := newTestManager(t, WithMetrics(reg))

	var order []int
	m.OnMessage(func(protocol.Event) { order = append(order, 1) })
	m.OnMessage(func(protocol.Event) { panic("boom") })
	m.OnMessage(func(protocol.Event) { order = append(order, 3) })

	assert.NotPanics(t, func() { m.handleFrame([]byte(`{"type":"typing"}`)) })
	assert.Equal(t, []int{1, 3}, order)
}

func TestUnsubscribe(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	count := 0
	unsubscribe := m.OnMessage(func(protocol.Event) { count++ })
	m.handleFrame([]byte(`{"type":"seen"}`))
	unsubscribe()
	unsubscribe()
	m.handleFrame([]byte(`{"type":"seen"}`))

	assert.Equal(t, 1, count)
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

func TestSend_DroppedWhileDisconnected(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	err := m.SendTyping("c1", true)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Send("custom", map[string]string{"a": "b"}), ErrNotConnected)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestSend_OutboundShapes(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	conn := dialer.next(t)

	require.NoError(t, m.SendTyping("c1", false))
	require.NoError(t, m.SendSeen("c1", "m1"))
	require.NoError(t, m.SendSeenBulk("c1", "m9"))
	require.NoError(t, m.SendPresence("away"))
	require.NoError(t, m.AcknowledgeNotification("n7"))
	require.NoError(t, m.Send("chat/join", map[string]string{"chat_id": "c1"}))

	ts := clk.Now().UTC().Format(time.RFC3339Nano)
	want := []string{
		`{"type":"typing","chat_id":"c1","is_typing":false}`,
		`{"type":"seen","chat_id":"c1","message_id":"m1"}`,
		`{"type":"seen","chat_id":"c1","last_message_id":"m9"}`,
		`{"type":"presence","status":"away","timestamp":"` + ts + `"}`,
		`{"type":"notification/ack","notification_id":"n7","timestamp":"` + ts + `"}`,
		`{"chat_id":"c1","type":"chat/join"}`,
	}
	frames := conn.frames()
	require.Len(t, frames, len(want))
	for i, w := range want {
		assert.JSONEq(t, w, string(frames[i]))
	}
}

func TestSendRaw_UnencodableValue(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	err := m.SendRaw(map[string]interface{}{"ch": make(chan int)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotConnected))
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat_PingsWhileConnected(t *testing.T) {
	dialer := newFakeDialer()
	clk := clock.NewFake(time.Unix(0, 0))
	config := DefaultManagerConfig()
	config.PingInterval = 30 * time.Second
	m := NewManager(config, WithDialer(dialer), WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	defer m.Disconnect()
	rec := newStatusRecorder()
	m.OnStatusChange(rec.handle)

	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	conn := dialer.next(t)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	clk.Advance(30 * time.Second)

	conn.mu.Lock()
	pings := conn.pings
	conn.mu.Unlock()
	assert.Equal(t, 2, pings)
}

func TestHeartbeat_FailedPingTriggersReconnect(t *testing.T) {
	dialer := newFakeDialer()
	clk := clock.NewFake(time.Unix(0, 0))
	config := DefaultManagerConfig()
	config.PingInterval = 30 * time.Second
	m := NewManager(config, WithDialer(dialer), WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	defer m.Disconnect()
	rec := newStatusRecorder()
	m.OnStatusChange(rec.handle)

	m.Connect("tok")
	rec.waitFor(t, StatusConnected)
	conn := dialer.next(t)
	conn.mu.Lock()
	conn.pingErr = errors.New("broken pipe")
	conn.mu.Unlock()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	rec.waitFor(t, StatusReconnecting)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestWithToken(t *testing.T) {
	got, err := withToken("wss://api.example.com/ws?lang=ar", "a.b.c")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "wss://api.example.com/ws?"))
	assert.Contains(t, got, "lang=ar")
	assert.Contains(t, got, "token=a.b.c")

	_, err = withToken("not a url", "x")
	assert.Error(t, err)
}

func TestBackoffDelays(t *testing.T) {
	fixed := FixedBackoff(3 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, fixed.Delay(attempt))
	}

	exp := ExponentialBackoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, exp.Delay(i+1), "attempt %d", i+1)
	}
}

func TestSubscribers_SnapshotIsolation(t *testing.T) {
	var s subscribers[func()]
	calls := 0
	remove := s.add(func() { calls++ })
	s.add(func() { calls++ })

	snap := s.snapshot()
	remove()
	for _, fn := range snap {
		fn()
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, s.len())
}

// ---------------------------------------------------------------------------
// Status ordering
// ---------------------------------------------------------------------------

func TestStatus_SlowSubscriberSeesChangesInOrder(t *testing.T) {
	m, _, _, rec := newTestManager(t)

	var (
		mu      sync.Mutex
		mirror  []Status
		blocked = make(chan struct{})
		release = make(chan struct{})
	)
	m.OnStatusChange(func(s Status) {
		mu.Lock()
		mirror = append(mirror, s)
		mu.Unlock()
		if s == StatusConnected {
			close(blocked)
			<-release
		}
	})

	m.Connect("tok")
	<-blocked

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	require.Eventually(t, func() bool { return m.Status() == StatusDisconnected }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("Disconnect returned before its status change was delivered")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	rec.waitFor(t, StatusDisconnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnected}, mirror)
	assert.Equal(t, []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnected}, rec.all())
}

func TestStatus_ReplayQueuedBehindEarlierChanges(t *testing.T) {
	m, _, _, rec := newTestManager(t)

	m.Connect("tok")
	rec.waitFor(t, StatusConnected)

	var got []Status
	m.OnStatusChange(func(s Status) { got = append(got, s) })
	m.Disconnect()

	assert.Equal(t, []Status{StatusConnected, StatusDisconnected}, got)
}

func TestDefault_SharedInstance(t *testing.T) {
	m := Default()
	require.NotNil(t, m)
	assert.Same(t, m, Default())
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 3*time.Second, m.config.ReconnectDelay)
	assert.Equal(t, 3*time.Second, m.backoff.Delay(1))
	assert.Equal(t, 3*time.Second, m.backoff.Delay(10))
}
