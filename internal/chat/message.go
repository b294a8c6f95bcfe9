// Package chat holds the domain types shared by the chat server, its storage
// backends and the client: messages, identities and the error taxonomy.
package chat

import (
	"strings"
	"time"
)

// Message is a persisted chat message. Messages are append-only; within a team
// they are ordered by (CreatedAt, ID).
type Message struct {
	ID        int64     `json:"message_id"`
	TeamID    int64     `json:"team_id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Before reports whether m sorts before o in a team timeline.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID    int64
	Name      string
	ExpiresAt time.Time
}

// NormalizeContent trims surrounding whitespace and rejects empty or oversized
// content. maxLen <= 0 skips the length check: the stores pass 0 and leave
// the configured limit to the router.
func NormalizeContent(content string, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", NewError(KindValidation, "content must not be empty", nil)
	}
	if maxLen > 0 && len([]rune(trimmed)) > maxLen {
		return "", NewError(KindValidation, "content exceeds maximum length", nil)
	}
	return trimmed, nil
}
