package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/membership"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport stands in for a *websocket.Conn.
type fakeTransport struct {
	mu         sync.Mutex
	written    [][]byte
	closeCodes []int
	reads      chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.reads:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCodes = append(f.closeCodes, int(binary.BigEndian.Uint16(data)))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error      { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error     { return nil }
func (f *fakeTransport) SetReadLimit(int64)                   {}
func (f *fakeTransport) SetPongHandler(func(string) error)    {}
func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

func testOptions() ConnectionOptions {
	return ConnectionOptions{
		SendQueueSize:  64,
		MaxMessageSize: 4096,
		IdleTimeout:    time.Minute,
		WriteTimeout:   time.Second,
		PingPeriod:     time.Minute,
		RateLimit:      config.RateLimitConfig{Burst: 100, RefillInterval: time.Second},
	}
}

func newTestConn(t *testing.T, userID int64, opts ConnectionOptions) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c := NewConnection(context.Background(), tr, "test", opts, zap.NewNop())
	require.NoError(t, c.Authenticate(chat.Identity{UserID: userID, Name: "user"}))
	return c, tr
}

func newTestRegistry(teams ...membership.Team) (*Registry, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewRegistry(membership.NewStaticDirectory(teams...), metrics, zap.NewNop()), metrics
}

// drain decodes every frame currently queued on c.
func drain(t *testing.T, c *Connection) []chat.ServerFrame {
	t.Helper()
	var frames []chat.ServerFrame
	for {
		select {
		case raw := <-c.Outbound():
			var f chat.ServerFrame
			require.NoError(t, json.Unmarshal(raw, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestConnectionStateTransitions(t *testing.T) {
	c := NewConnection(context.Background(), newFakeTransport(), "test", testOptions(), zap.NewNop())
	assert.Equal(t, StateConnecting, c.State())

	require.NoError(t, c.Authenticate(chat.Identity{UserID: 1}))
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Error(t, c.Authenticate(chat.Identity{UserID: 2}), "authenticate twice")
	assert.Equal(t, int64(1), c.UserID())

	c.Close(websocket.CloseNormalClosure, "")
	assert.Equal(t, StateClosed, c.State())
	assert.Error(t, c.Context().Err())
	assert.Error(t, c.Authenticate(chat.Identity{UserID: 1}))
}

func TestConnectionRefusedBeforeAuthentication(t *testing.T) {
	c := NewConnection(context.Background(), newFakeTransport(), "test", testOptions(), zap.NewNop())
	c.Close(websocket.ClosePolicyViolation, "refused")
	assert.Equal(t, StateClosed, c.State())
}

func TestDeliverOnlyToSubscribedTeam(t *testing.T) {
	c, _ := newTestConn(t, 1, testOptions())

	assert.Equal(t, deliverySkipped, c.deliver(1, []byte(`{}`)), "no subscription yet")

	require.True(t, c.subscribe(1))
	assert.Equal(t, deliverySkipped, c.deliver(2, []byte(`{}`)))
	assert.Equal(t, deliveryQueued, c.deliver(1, []byte(`{"type":"message","team_id":1}`)))

	frames := drain(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, chat.FrameSubscribed, frames[0].Type)
	assert.Equal(t, chat.FrameMessage, frames[1].Type)
}

func TestDeliverOverflowWhenQueueFull(t *testing.T) {
	opts := testOptions()
	opts.SendQueueSize = 1
	c, _ := newTestConn(t, 1, opts)

	require.True(t, c.subscribe(1), "ack fills the queue")
	assert.Equal(t, deliveryOverflow, c.deliver(1, []byte(`{}`)))
}

func TestCloseDropsPendingDeliveries(t *testing.T) {
	c, tr := newTestConn(t, 1, testOptions())
	require.True(t, c.subscribe(1))

	c.Close(CloseCredentialExpired, "credential expired")
	c.Close(websocket.CloseNormalClosure, "")

	assert.Equal(t, deliveryClosed, c.deliver(1, []byte(`{}`)))
	assert.False(t, c.sendFrame(chat.SubscribedFrame(1)))
	_, subscribed := c.Subscription()
	assert.False(t, subscribed)
	assert.Equal(t, []int{CloseCredentialExpired}, tr.codes(), "close frame is written once")
}

func TestExpiryClosesConnection(t *testing.T) {
	c, tr := newTestConn(t, 1, testOptions())
	c.expireAt(time.Now().Add(20 * time.Millisecond))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed at expiry")
	}
	assert.Equal(t, []int{CloseCredentialExpired}, tr.codes())
}

func TestReadPumpRateLimitsFrames(t *testing.T) {
	opts := testOptions()
	opts.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	c, tr := newTestConn(t, 1, opts)

	var handled int
	unregistered := make(chan struct{})
	go c.readPump(func(*Connection, []byte) { handled++ }, func(*Connection) { close(unregistered) })

	for i := 0; i < 3; i++ {
		tr.reads <- []byte(`{}`)
	}
	require.Eventually(t, func() bool { return len(c.Outbound()) == 1 }, time.Second, 5*time.Millisecond)

	_ = tr.Close()
	select {
	case <-unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not exit")
	}
	assert.Equal(t, 2, handled)

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, chat.CodeRateLimited, frames[0].Code)
	assert.Equal(t, StateClosed, c.State())
}

func TestWritePumpWritesQueuedFrames(t *testing.T) {
	c, tr := newTestConn(t, 1, testOptions())
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	require.True(t, c.subscribe(3))
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.written) == 1
	}, time.Second, 5*time.Millisecond)

	c.Close(websocket.CloseNormalClosure, "")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writePump did not exit")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(config.RateLimitConfig{Burst: 2, RefillInterval: time.Second})
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.allow(), "half an interval refills one token")
	assert.False(t, rl.allow())
}
