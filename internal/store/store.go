//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store persists chat messages per team. Messages are append-only;
// each append is assigned a strictly increasing id and a server timestamp
// that never goes backwards within a team, so (created_at, message_id) order
// equals append order.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// Draft is a message that has not been persisted yet.
type Draft struct {
	TeamID   int64
	UserID   int64
	UserName string
	Content  string
}

// Store is the message store contract.
type Store interface {
	// Append persists d and returns the stored message. Empty content fails
	// with chat.ErrValidation.
	Append(ctx context.Context, d Draft) (chat.Message, error)
	// History returns up to limit messages of teamID, oldest first. When
	// before > 0 the page ends just before that message id. limit <= 0
	// returns every matching message.
	History(ctx context.Context, teamID int64, limit int, before int64) ([]chat.Message, error)
	Close() error
}

// teamClock hands out per-team timestamps that never decrease. It is guarded
// by the owning team's writer lock.
type teamClock struct {
	last time.Time
}

func (c *teamClock) next(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(c.last) {
		return c.last
	}
	return now
}

func (c *teamClock) commit(at time.Time) {
	c.last = at
}

// writerLocks serialises appends per team.
type writerLocks struct {
	mu    sync.Mutex
	teams map[int64]*teamWriter
}

type teamWriter struct {
	mu     sync.Mutex
	clock  teamClock
	primed bool
}

func (w *writerLocks) get(teamID int64) *teamWriter {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.teams == nil {
		w.teams = make(map[int64]*teamWriter)
	}
	tw, ok := w.teams[teamID]
	if !ok {
		tw = &teamWriter{}
		w.teams[teamID] = tw
	}
	return tw
}
