// Package testhelpers provides common utilities for testing the teamchat
// server and client: HTTP requests, WebSocket dialing, frame exchange with
// deadlines and credential minting.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Credentials used by tests that build a server with IssueToken-compatible settings.
const (
	TestSecret = "test-secret-with-enough-entropy"
	TestIssuer = "teamchat"
	TestOrigin = "http://localhost:8080"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// Token mints a credential for userID valid for an hour.
func Token(t *testing.T, userID int64, name string) string {
	t.Helper()
	return TokenWithTTL(t, userID, name, time.Hour)
}

// TokenWithTTL mints a credential that expires after ttl.
func TokenWithTTL(t *testing.T, userID int64, name string, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.IssueToken(TestSecret, TestIssuer, userID, name, ttl)
	require.NoError(t, err)
	return tok
}

// WebSocketURL converts an http(s) test server URL into a ws(s) URL for path.
func WebSocketURL(t *testing.T, serverURL, path string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	return u.String()
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest executes an HTTP request with an optional bearer token. The
// caller closes the body.
func MakeRequest(t *testing.T, method, rawURL, token string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, rawURL, http.NoBody)
	require.NoError(t, err, "create request")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	return resp
}

// ConnectWebSocket dials wsURL presenting token as a bearer credential. The
// handshake response is returned so callers can inspect refusals.
func ConnectWebSocket(wsURL, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials and fails the test on error.
func MustConnect(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(wsURL, token)
	require.NoError(t, err, "dial %s", wsURL)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes a client frame as JSON.
func SendFrame(t *testing.T, conn *websocket.Conn, frame chat.ClientFrame) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)))
	require.NoError(t, conn.WriteJSON(frame))
}

// Subscribe sends a subscribe frame and waits for its acknowledgement.
func Subscribe(t *testing.T, conn *websocket.Conn, teamID int64) {
	t.Helper()
	SendFrame(t, conn, chat.ClientFrame{Type: chat.FrameSubscribe, TeamID: teamID})
	frame := ReceiveFrame(t, conn)
	require.Equal(t, chat.FrameSubscribed, frame.Type, "expected subscribed, got %+v", frame)
	require.Equal(t, teamID, frame.TeamID)
}

// ReceiveFrame reads the next server frame, failing after DefaultTimeout.
func ReceiveFrame(t *testing.T, conn *websocket.Conn) chat.ServerFrame {
	t.Helper()
	frame, err := ReadFrame(conn, DefaultTimeout)
	require.NoError(t, err, "receive frame")
	return frame
}

// ReadFrame reads the next server frame within timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (chat.ServerFrame, error) {
	var frame chat.ServerFrame
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return frame, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(raw, &frame)
	return frame, err
}

// ExpectNoFrame asserts that nothing arrives within wait. The connection is
// unusable afterwards when the read times out, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	frame, err := ReadFrame(conn, wait)
	if err == nil {
		t.Errorf("expected no frame, got %+v", frame)
	}
}

// ExpectClose reads until the server closes the connection, failing after
// wait, and returns the close code. Frames read on the way are discarded.
func ExpectClose(t *testing.T, conn *websocket.Conn, wait time.Duration) int {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr, "expected close frame")
		return closeErr.Code
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
