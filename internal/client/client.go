// Package client is a Go client for the teamchat server: a WebSocket
// connection, an HTTP history fetcher and the Reconciler that merges the two
// into a per-team timeline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Client is one chat connection.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the chat endpoint at wsURL with token as the bearer
// credential. A refused handshake returns chat.ErrAuthentication.
func Dial(ctx context.Context, wsURL, token string, header http.Header, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, chat.NewError(chat.KindAuthentication, "credential rejected", err)
			case http.StatusForbidden:
				return nil, chat.NewError(chat.KindAuthorization, "origin rejected", err)
			}
		}
		return nil, chat.NewError(chat.KindTransport, "dial failed", err)
	}
	return &Client{conn: conn, log: logger}, nil
}

func (c *Client) writeFrame(frame chat.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return chat.NewError(chat.KindTransport, "set write deadline", err)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return chat.NewError(chat.KindTransport, "write frame", err)
	}
	return nil
}

// Subscribe asks the server to switch the subscription to teamID.
func (c *Client) Subscribe(teamID int64) error {
	return c.writeFrame(chat.ClientFrame{Type: chat.FrameSubscribe, TeamID: teamID})
}

// Send publishes content to teamID, which must be the current subscription.
// Success is confirmed only by the message echoed back to this connection.
func (c *Client) Send(teamID int64, content string) error {
	return c.writeFrame(chat.ClientFrame{Type: chat.FrameSend, TeamID: teamID, Content: content})
}

// Run reads server frames and passes them to handle until ctx is done or the
// connection closes. A server-initiated close is returned as
// *websocket.CloseError.
func (c *Client) Run(ctx context.Context, handle func(chat.ServerFrame)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr
			}
			return chat.NewError(chat.KindTransport, "read frame", err)
		}

		var frame chat.ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("discarding undecodable frame", zap.Error(err))
			continue
		}
		handle(frame)
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
