package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	writers writerLocks
	seq     atomic.Int64
	now     func() time.Time

	mu    sync.RWMutex
	teams map[int64]*memoryLog
}

type memoryLog struct {
	mu   sync.RWMutex
	msgs []chat.Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		teams: make(map[int64]*memoryLog),
	}
}

func (s *MemoryStore) log(teamID int64, create bool) *memoryLog {
	s.mu.RLock()
	l, ok := s.teams[teamID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.teams[teamID]; !ok {
		l = &memoryLog{}
		s.teams[teamID] = l
	}
	return l
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, d Draft) (chat.Message, error) {
	content, err := chat.NormalizeContent(d.Content, 0)
	if err != nil {
		return chat.Message{}, err
	}

	w := s.writers.get(d.TeamID)
	w.mu.Lock()
	defer w.mu.Unlock()

	at := w.clock.next(s.now())
	msg := chat.Message{
		ID:        s.seq.Add(1),
		TeamID:    d.TeamID,
		UserID:    d.UserID,
		UserName:  d.UserName,
		Content:   content,
		CreatedAt: at,
	}

	l := s.log(d.TeamID, true)
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()

	w.clock.commit(at)
	return msg, nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, teamID int64, limit int, before int64) ([]chat.Message, error) {
	l := s.log(teamID, false)
	if l == nil {
		return []chat.Message{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	end := len(l.msgs)
	if before > 0 {
		end = sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID >= before })
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	page := make([]chat.Message, end-start)
	copy(page, l.msgs[start:end])
	return page, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
