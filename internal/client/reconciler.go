package client

import (
	"context"
	"errors"
	"sync"

	"github.com/Tyrowin/teamchat/internal/chat"
	"go.uber.org/zap"
)

// ErrSelectionChanged is returned by Select when another selection started
// while it was loading history.
var ErrSelectionChanged = errors.New("team selection changed")

// Subscriber switches the server-side subscription.
type Subscriber interface {
	Subscribe(teamID int64) error
}

// Reconciler keeps the timeline of the selected team: the most recent
// history page followed by live messages, ordered by message id without
// duplicates. Selecting a team rebuilds the timeline from scratch.
//
// Pushed messages are appended only once the server acknowledged the
// subscription; anything pushed earlier belongs to the previous subscription
// and is dropped. A message published after the history page was read but
// before the subscription took effect can therefore be missed.
type Reconciler struct {
	history HistorySource
	sub     Subscriber
	log     *zap.Logger
	onError func(chat.ServerFrame)

	mu       sync.Mutex
	epoch    uint64
	team     int64
	timeline []chat.Message
	lastID   int64
	awaiting bool
	live     bool
}

// NewReconciler builds a reconciler with no team selected.
func NewReconciler(history HistorySource, sub Subscriber, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{history: history, sub: sub, log: logger}
}

// OnError registers a callback for error frames.
func (r *Reconciler) OnError(fn func(chat.ServerFrame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Select makes teamID the viewed team: the timeline is cleared, replaced by
// the most recent history page, and then the connection subscribes.
func (r *Reconciler) Select(ctx context.Context, teamID int64) error {
	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	r.team = teamID
	r.timeline = nil
	r.lastID = 0
	r.awaiting = false
	r.live = false
	r.mu.Unlock()

	page, err := r.history.History(ctx, teamID)

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return ErrSelectionChanged
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.timeline = make([]chat.Message, 0, len(page))
	for _, m := range page {
		r.appendLocked(m)
	}
	r.awaiting = true
	r.mu.Unlock()

	return r.sub.Subscribe(teamID)
}

func (r *Reconciler) appendLocked(m chat.Message) bool {
	if m.TeamID != r.team || m.ID <= r.lastID {
		return false
	}
	r.timeline = append(r.timeline, m)
	r.lastID = m.ID
	return true
}

// HandleMessage applies a pushed message and reports whether it was appended.
func (r *Reconciler) HandleMessage(m chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.TeamID != r.team {
		r.log.Debug("dropping message for inactive team", zap.Int64("team_id", m.TeamID))
		return false
	}
	if !r.live {
		r.log.Debug("dropping message pushed before subscription ack", zap.Int64("message_id", m.ID))
		return false
	}
	return r.appendLocked(m)
}

// HandleSubscribed marks the timeline live once the selected team's
// subscription is acknowledged.
func (r *Reconciler) HandleSubscribed(teamID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.awaiting && teamID == r.team {
		r.awaiting = false
		r.live = true
	}
}

// HandleError reports an error frame. Failed sends never reach the timeline.
func (r *Reconciler) HandleError(f chat.ServerFrame) {
	r.mu.Lock()
	fn := r.onError
	r.mu.Unlock()

	r.log.Debug("server reported error", zap.String("code", f.Code), zap.String("error", f.Error))
	if fn != nil {
		fn(f)
	}
}

// Dispatch routes a server frame to the matching handler.
func (r *Reconciler) Dispatch(f chat.ServerFrame) {
	switch f.Type {
	case chat.FrameMessage:
		r.HandleMessage(f.Message())
	case chat.FrameSubscribed:
		r.HandleSubscribed(f.TeamID)
	case chat.FrameError:
		r.HandleError(f)
	}
}

// Timeline returns a copy of the current timeline.
func (r *Reconciler) Timeline() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message(nil), r.timeline...)
}

// Team returns the selected team, 0 before the first selection.
func (r *Reconciler) Team() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.team
}

// Live reports whether the selected team's subscription was acknowledged.
func (r *Reconciler) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
