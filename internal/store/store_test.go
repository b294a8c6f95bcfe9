package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(t.TempDir(), zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { require.NoError(t, s.Close()) }()
			fn(t, s)
		})
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var prev chat.Message
		for i := 0; i < 5; i++ {
			msg, err := s.Append(ctx, Draft{TeamID: 1, UserID: 7, UserName: "alice", Content: fmt.Sprintf(" msg %d ", i)})
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Content)
			assert.Equal(t, int64(1), msg.TeamID)
			assert.Equal(t, int64(7), msg.UserID)
			assert.Equal(t, "alice", msg.UserName)
			assert.False(t, msg.CreatedAt.IsZero())
			if i > 0 {
				assert.Greater(t, msg.ID, prev.ID)
				assert.False(t, msg.CreatedAt.Before(prev.CreatedAt))
			}
			prev = msg
		}
	})
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, content := range []string{"", "   ", "\n\t"} {
			_, err := s.Append(ctx, Draft{TeamID: 1, UserID: 7, Content: content})
			require.ErrorIs(t, err, chat.ErrValidation)
		}
		history, err := s.History(ctx, 1, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestHistoryOrderingAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var ids []int64
		for i := 0; i < 10; i++ {
			msg, err := s.Append(ctx, Draft{TeamID: 1, UserID: 1, Content: fmt.Sprintf("team1-%d", i)})
			require.NoError(t, err)
			ids = append(ids, msg.ID)
			_, err = s.Append(ctx, Draft{TeamID: 2, UserID: 1, Content: fmt.Sprintf("team2-%d", i)})
			require.NoError(t, err)
		}

		all, err := s.History(ctx, 1, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 10)
		for i, msg := range all {
			assert.Equal(t, ids[i], msg.ID)
			assert.Equal(t, int64(1), msg.TeamID)
		}

		latest, err := s.History(ctx, 1, 3, 0)
		require.NoError(t, err)
		require.Len(t, latest, 3)
		assert.Equal(t, ids[7:], idsOf(latest), "most recent page, oldest first")

		older, err := s.History(ctx, 1, 3, latest[0].ID)
		require.NoError(t, err)
		assert.Equal(t, ids[4:7], idsOf(older))

		first, err := s.History(ctx, 1, 100, ids[2])
		require.NoError(t, err)
		assert.Equal(t, ids[:2], idsOf(first))

		none, err := s.History(ctx, 1, 5, ids[0])
		require.NoError(t, err)
		assert.Empty(t, none)

		unknown, err := s.History(ctx, 99, 5, 0)
		require.NoError(t, err)
		assert.Empty(t, unknown)
	})
}

func TestHistoryIsStable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			_, err := s.Append(ctx, Draft{TeamID: 3, UserID: 1, Content: "x"})
			require.NoError(t, err)
		}
		a, err := s.History(ctx, 3, 10, 0)
		require.NoError(t, err)
		b, err := s.History(ctx, 3, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestConcurrentAppendsAreLinearized(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const writers, perWriter = 8, 25

		var wg sync.WaitGroup
		stop := make(chan struct{})
		readerErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-stop:
					readerErr <- nil
					return
				default:
				}
				page, err := s.History(ctx, 1, 0, 0)
				if err != nil {
					readerErr <- err
					return
				}
				for _, m := range page {
					if m.ID == 0 || m.CreatedAt.IsZero() || m.Content == "" {
						readerErr <- fmt.Errorf("partial message observed: %+v", m)
						return
					}
				}
			}
		}()

		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := s.Append(ctx, Draft{TeamID: 1, UserID: int64(w + 1), Content: fmt.Sprintf("%d-%d", w, i)})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()
		close(stop)
		require.NoError(t, <-readerErr)

		page, err := s.History(ctx, 1, 0, 0)
		require.NoError(t, err)
		require.Len(t, page, writers*perWriter)
		for i := 1; i < len(page); i++ {
			assert.Greater(t, page[i].ID, page[i-1].ID)
			assert.True(t, page[i-1].Before(page[i]), "history must follow (created_at, id) order")
		}
	})
}

func TestBadgerReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir, zap.NewNop())
	require.NoError(t, err)
	first, err := s.Append(ctx, Draft{TeamID: 1, UserID: 1, Content: "before restart"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	second, err := s.Append(ctx, Draft{TeamID: 1, UserID: 1, Content: "after restart"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	history, err := s.History(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.True(t, first.CreatedAt.Equal(history[0].CreatedAt))
	assert.Equal(t, "after restart", history[1].Content)
}

func TestTeamClockNeverGoesBackwards(t *testing.T) {
	var c teamClock
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	at := c.next(t0)
	c.commit(at)
	assert.Equal(t, t0, at)

	skewed := c.next(t0.Add(-time.Second))
	assert.Equal(t, t0, skewed)

	later := c.next(t0.Add(time.Second))
	assert.Equal(t, t0.Add(time.Second), later)
}

func idsOf(msgs []chat.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
