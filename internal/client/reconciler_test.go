package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	pages  map[int64][]chat.Message
	err    error
	before func(teamID int64) // runs while the fetch is in flight
}

func (f *fakeHistory) History(_ context.Context, teamID int64) ([]chat.Message, error) {
	if f.before != nil {
		f.before(teamID)
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.pages[teamID]...), nil
}

type fakeSubscriber struct {
	mu    sync.Mutex
	teams []int64
}

func (f *fakeSubscriber) Subscribe(teamID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams = append(f.teams, teamID)
	return nil
}

func msg(team, id int64, content string) chat.Message {
	return chat.Message{ID: id, TeamID: team, UserID: 1, Content: content}
}

func ids(msgs []chat.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSelectLoadsHistoryThenSubscribes(t *testing.T) {
	hist := &fakeHistory{pages: map[int64][]chat.Message{1: {msg(1, 3, "a"), msg(1, 5, "b")}}}
	sub := &fakeSubscriber{}
	r := NewReconciler(hist, sub, nil)

	require.NoError(t, r.Select(context.Background(), 1))
	assert.Equal(t, []int64{3, 5}, ids(r.Timeline()))
	assert.Equal(t, []int64{1}, sub.teams)
	assert.False(t, r.Live())

	r.HandleSubscribed(1)
	assert.True(t, r.Live())

	assert.True(t, r.HandleMessage(msg(1, 7, "c")))
	assert.False(t, r.HandleMessage(msg(1, 7, "c")), "duplicate")
	assert.False(t, r.HandleMessage(msg(1, 5, "b")), "already in history")
	assert.False(t, r.HandleMessage(msg(2, 9, "other team")))
	assert.Equal(t, []int64{3, 5, 7}, ids(r.Timeline()))
}

func TestSwitchRebuildsTimeline(t *testing.T) {
	hist := &fakeHistory{pages: map[int64][]chat.Message{
		1: {msg(1, 1, "a1")},
		2: {msg(2, 2, "b1")},
	}}
	sub := &fakeSubscriber{}
	r := NewReconciler(hist, sub, nil)

	require.NoError(t, r.Select(context.Background(), 1))
	r.HandleSubscribed(1)
	assert.True(t, r.HandleMessage(msg(1, 4, "a2")))
	require.NoError(t, r.Select(context.Background(), 2))

	assert.Equal(t, int64(2), r.Team())
	assert.Equal(t, []int64{2}, ids(r.Timeline()))
	assert.False(t, r.HandleMessage(msg(1, 6, "late team 1 message")))
	r.HandleSubscribed(2)
	assert.True(t, r.HandleMessage(msg(2, 7, "b2")))
	assert.Equal(t, []int64{2, 7}, ids(r.Timeline()))
	assert.Equal(t, []int64{1, 2}, sub.teams)
}

func TestPushesBeforeAckAreDropped(t *testing.T) {
	var r *Reconciler
	hist := &fakeHistory{pages: map[int64][]chat.Message{1: {msg(1, 1, "a"), msg(1, 2, "b")}}}
	hist.before = func(int64) {
		assert.False(t, r.HandleMessage(msg(1, 3, "while loading")))
		r.HandleSubscribed(1)
		assert.False(t, r.Live(), "ack of an earlier subscription")
	}
	r = NewReconciler(hist, &fakeSubscriber{}, nil)

	require.NoError(t, r.Select(context.Background(), 1))
	assert.False(t, r.HandleMessage(msg(1, 4, "before ack")))
	assert.Equal(t, []int64{1, 2}, ids(r.Timeline()))

	r.HandleSubscribed(1)
	assert.True(t, r.HandleMessage(msg(1, 5, "after ack")))
	assert.Equal(t, []int64{1, 2, 5}, ids(r.Timeline()))
}

func TestSupersededSelectionIsAbandoned(t *testing.T) {
	sub := &fakeSubscriber{}
	var r *Reconciler
	hist := &fakeHistory{pages: map[int64][]chat.Message{2: {msg(2, 8, "b")}}}
	hist.before = func(teamID int64) {
		if teamID == 1 {
			require.NoError(t, r.Select(context.Background(), 2))
		}
	}
	r = NewReconciler(hist, sub, nil)

	err := r.Select(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSelectionChanged)
	assert.Equal(t, int64(2), r.Team())
	assert.Equal(t, []int64{8}, ids(r.Timeline()))
	assert.Equal(t, []int64{2}, sub.teams, "abandoned selection does not subscribe")
}

func TestHistoryFailureLeavesEmptyTimeline(t *testing.T) {
	sub := &fakeSubscriber{}
	r := NewReconciler(&fakeHistory{err: errors.New("boom")}, sub, nil)

	require.Error(t, r.Select(context.Background(), 1))
	assert.Empty(t, r.Timeline())
	assert.Empty(t, sub.teams)
}

func TestErrorFramesNeverReachTimeline(t *testing.T) {
	r := NewReconciler(&fakeHistory{}, &fakeSubscriber{}, nil)
	require.NoError(t, r.Select(context.Background(), 1))

	var got []chat.ServerFrame
	r.OnError(func(f chat.ServerFrame) { got = append(got, f) })
	r.Dispatch(chat.ErrorFrame(string(chat.KindStorage), "message could not be stored", 1))
	r.Dispatch(chat.SubscribedFrame(1))

	require.Len(t, got, 1)
	assert.Equal(t, string(chat.KindStorage), got[0].Code)
	assert.Empty(t, r.Timeline())
	assert.True(t, r.Live())
}
