package chat

import "time"

// FrameType discriminates the JSON frames exchanged over a chat connection.
type FrameType string

const (
	FrameSubscribe  FrameType = "subscribe"
	FrameSend       FrameType = "send"
	FrameMessage    FrameType = "message"
	FrameSubscribed FrameType = "subscribed"
	FrameError      FrameType = "error"
)

// Error codes that are not error kinds.
const (
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
)

// ClientFrame is a client-to-server frame. A frame without a type but with
// content or a team id is a send. A send without a team id targets the current subscription.
type ClientFrame struct {
	Type    FrameType `json:"type,omitempty" validate:"omitempty,oneof=subscribe send"`
	TeamID  int64     `json:"team_id,omitempty" validate:"gte=0,required_if=Type subscribe"`
	Content string    `json:"content,omitempty"`
}

// Kind resolves the effective frame type.
func (f ClientFrame) Kind() FrameType {
	if f.Type == "" && (f.Content != "" || f.TeamID != 0) {
		return FrameSend
	}
	return f.Type
}

// ServerFrame is a server-to-client frame.
type ServerFrame struct {
	Type      FrameType  `json:"type"`
	MessageID int64      `json:"message_id,omitempty"`
	TeamID    int64      `json:"team_id,omitempty"`
	UserID    int64      `json:"user_id,omitempty"`
	UserName  string     `json:"user_name,omitempty"`
	Content   string     `json:"content,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Code      string     `json:"code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// MessageFrame wraps a persisted message for delivery.
func MessageFrame(m Message) ServerFrame {
	at := m.CreatedAt
	return ServerFrame{
		Type:      FrameMessage,
		MessageID: m.ID,
		TeamID:    m.TeamID,
		UserID:    m.UserID,
		UserName:  m.UserName,
		Content:   m.Content,
		CreatedAt: &at,
	}
}

// SubscribedFrame acknowledges a subscription change.
func SubscribedFrame(teamID int64) ServerFrame {
	return ServerFrame{Type: FrameSubscribed, TeamID: teamID}
}

// ErrorFrame reports a failed operation to the originating client.
func ErrorFrame(code string, text string, teamID int64) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code, Error: text, TeamID: teamID}
}

// Message converts a message frame back into a Message.
func (f ServerFrame) Message() Message {
	m := Message{
		ID:       f.MessageID,
		TeamID:   f.TeamID,
		UserID:   f.UserID,
		UserName: f.UserName,
		Content:  f.Content,
	}
	if f.CreatedAt != nil {
		m.CreatedAt = *f.CreatedAt
	}
	return m
}
