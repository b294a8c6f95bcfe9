// Package server manages individual chat connections, handling read/write
// pumps, rate limiting, subscription state and lifecycle control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is a connection's position in the session lifecycle:
// Connecting → Authenticated → Closed, or Connecting → Closed when the
// handshake is refused. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the subset of *websocket.Conn a Connection uses.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionOptions are the per-connection tunables.
type ConnectionOptions struct {
	SendQueueSize  int
	MaxMessageSize int64
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	PingPeriod     time.Duration
	RateLimit      config.RateLimitConfig
}

// OptionsFromConfig derives connection options from the server config.
func OptionsFromConfig(cfg config.Config) ConnectionOptions {
	return ConnectionOptions{
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: int64(cfg.MaxMessageSize),
		IdleTimeout:    cfg.IdleTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingPeriod:     cfg.PingPeriod(),
		RateLimit:      cfg.RateLimit(),
	}
}

type deliveryOutcome int

const (
	deliveryQueued deliveryOutcome = iota
	deliverySkipped
	deliveryOverflow
	deliveryClosed
)

// Connection is one client session. Its subscription and outbound queue are
// guarded by mu so that a subscription change and the deliveries around it
// are queued in a single order: once the subscribed acknowledgement is
// queued, no message for the previous team follows it.
type Connection struct {
	id        string
	transport Transport
	addr      string
	opts      ConnectionOptions
	limiter   *rateLimiter
	log       *zap.Logger

	state    atomic.Int32
	identity chat.Identity

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	team       int64
	subscribed bool
	send       chan []byte
	done       chan struct{}
	expiry     *time.Timer

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewConnection wraps an established transport. The connection starts in
// StateConnecting; ctx bounds every operation performed on its behalf.
func NewConnection(ctx context.Context, transport Transport, addr string, opts ConnectionOptions, logger *zap.Logger) *Connection {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if transport != nil && opts.MaxMessageSize > 0 {
		transport.SetReadLimit(opts.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:        id,
		transport: transport,
		addr:      addr,
		opts:      opts,
		limiter:   newRateLimiter(opts.RateLimit),
		log:       logger.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, opts.SendQueueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user's id.
func (c *Connection) UserID() int64 { return c.identity.UserID }

// Identity returns the authenticated identity.
func (c *Connection) Identity() chat.Identity { return c.identity }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Outbound exposes the queued frames, for inspection in tests.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Authenticate moves a connecting session to StateAuthenticated.
func (c *Connection) Authenticate(id chat.Identity) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("authenticate: connection is %s", c.State())
	}
	c.identity = id
	c.log = c.log.With(zap.Int64("user_id", id.UserID))
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return fmt.Errorf("authenticate: connection is %s", c.State())
	}
	return nil
}

// Subscription returns the team the connection currently receives.
func (c *Connection) Subscription() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team, c.subscribed
}

func (c *Connection) closedLocked() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// subscribe switches the subscription and queues the acknowledgement.
func (c *Connection) subscribe(teamID int64) bool {
	ack, err := json.Marshal(chat.SubscribedFrame(teamID))
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedLocked() {
		return false
	}
	c.team = teamID
	c.subscribed = true
	return c.enqueueLocked(ack)
}

// deliver queues payload if the connection is subscribed to teamID. It never blocks.
func (c *Connection) deliver(teamID int64, payload []byte) deliveryOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closedLocked() {
		return deliveryClosed
	}
	if !c.subscribed || c.team != teamID {
		return deliverySkipped
	}
	if !c.enqueueLocked(payload) {
		return deliveryOverflow
	}
	return deliveryQueued
}

// sendFrame queues a frame for this connection only.
func (c *Connection) sendFrame(frame chat.ServerFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedLocked() {
		return false
	}
	return c.enqueueLocked(payload)
}

func (c *Connection) enqueueLocked(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// sendError reports err to the client.
func (c *Connection) sendError(err error, teamID int64) {
	c.sendFrame(chat.ErrorFrame(string(chat.KindOf(err)), chat.ErrorText(err), teamID))
}

// expireAt closes the connection when the credential expires.
func (c *Connection) expireAt(at time.Time) {
	if at.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedLocked() {
		return
	}
	c.expiry = time.AfterFunc(time.Until(at), func() {
		c.log.Info("credential expired; closing connection")
		c.Close(CloseCredentialExpired, "credential expired")
	})
}

// Close ends the session: pending deliveries are dropped, the context is
// cancelled and the transport is closed with the given close code. It is
// safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	if c.markClosed(code, reason) {
		c.teardown()
	}
}

// markClosed performs the in-memory part of Close and reports whether this
// call did it. It does not touch the transport, so it is safe under locks.
func (c *Connection) markClosed(code int, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.subscribed = false
		close(c.done)
		if c.expiry != nil {
			c.expiry.Stop()
		}
		c.mu.Unlock()

		c.cancel()
	})
	return first
}

func (c *Connection) teardown() {
	if c.transport == nil {
		return
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("write close frame", zap.Error(err))
	}
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("close transport", zap.Error(err))
	}
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Connection) setupReadConnection() {
	if err := c.transport.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
		c.log.Warn("set initial read deadline", zap.Error(err))
	}
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("unexpected close", zap.Error(err))
	default:
		c.log.Info("read failed", zap.Error(err))
	}
}

// readPump reads frames until the transport fails or the connection closes,
// passing each frame to handle. onClose runs once the loop has ended.
func (c *Connection) readPump(handle func(*Connection, []byte), onClose func(*Connection)) {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		onClose(c)
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Debug("rate limit exceeded; discarding frame",
				zap.Int("burst", c.opts.RateLimit.Burst), zap.Duration("interval", c.opts.RateLimit.RefillInterval))
			c.sendFrame(chat.ErrorFrame(chat.CodeRateLimited, "too many frames", 0))
			continue
		}

		handle(c, raw)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. Frames still queued when the connection closes are dropped.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			select {
			case <-c.done:
				return
			default:
			}
			if !c.write(websocket.TextMessage, payload) {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) bool {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.log.Warn("set write deadline", zap.Error(err))
		return false
	}
	if err := c.transport.WriteMessage(messageType, payload); err != nil {
		if isExpectedCloseError(err) {
			c.log.Debug("write on closed connection", zap.Error(err))
		} else {
			c.log.Warn("write failed", zap.Error(err), zap.String("kind", string(chat.KindTransport)))
		}
		return false
	}
	return true
}
