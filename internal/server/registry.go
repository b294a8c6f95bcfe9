package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/membership"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Registry tracks live connections: at most one per user, and for each team
// the set of connections currently subscribed to it.
type Registry struct {
	dir     membership.Directory
	metrics *Metrics
	log     *zap.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	byUser map[int64]*Connection
	byTeam map[int64]map[*Connection]struct{}
	teamOf map[*Connection]int64
}

// NewRegistry creates an empty registry that checks subscriptions against dir.
func NewRegistry(dir membership.Directory, metrics *Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		dir:     dir,
		metrics: metrics,
		log:     logger,
		tracer:  otel.Tracer(tracerName),
		byUser:  make(map[int64]*Connection),
		byTeam:  make(map[int64]map[*Connection]struct{}),
		teamOf:  make(map[*Connection]int64),
	}
}

// Register makes c the live connection of its user. A previous connection of
// the same user is closed with CloseSuperseded.
func (r *Registry) Register(c *Connection) error {
	if c.State() != StateAuthenticated {
		return chat.NewError(chat.KindInternal, fmt.Sprintf("register %s connection", c.State()), nil)
	}

	r.mu.Lock()
	old := r.byUser[c.UserID()]
	if old == c {
		r.mu.Unlock()
		return nil
	}
	if old != nil {
		r.removeLocked(old)
		old.markClosed(CloseSuperseded, "superseded by a newer connection")
	}
	r.byUser[c.UserID()] = c
	total := len(r.byUser)
	r.mu.Unlock()

	if old != nil {
		old.teardown()
		r.metrics.Superseded.Inc()
		old.log.Info("connection superseded", zap.String("new_conn_id", c.ID()))
	} else {
		r.metrics.Connections.Inc()
	}
	c.log.Info("client registered", zap.Int("total_clients", total))
	return nil
}

// Unregister forgets c. It is idempotent and never removes a newer
// connection of the same user.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	live := r.byUser[c.UserID()] == c
	if live {
		delete(r.byUser, c.UserID())
	}
	r.removeLocked(c)
	total := len(r.byUser)
	r.mu.Unlock()

	if live {
		r.metrics.Connections.Dec()
		c.log.Info("client unregistered", zap.Int("total_clients", total))
	}
}

func (r *Registry) removeLocked(c *Connection) {
	team, ok := r.teamOf[c]
	if !ok {
		return
	}
	delete(r.teamOf, c)
	if set := r.byTeam[team]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byTeam, team)
		}
	}
}

// SetSubscription replaces c's subscription with teamID after checking that
// the user belongs to the team. On any error the previous subscription is
// left untouched.
func (r *Registry) SetSubscription(ctx context.Context, c *Connection, teamID int64) (err error) {
	ctx, span := r.tracer.Start(ctx, "chat.subscribe", trace.WithAttributes(
		attribute.Int64("chat.team_id", teamID),
		attribute.Int64("chat.user_id", c.UserID()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if teamID <= 0 {
		return chat.NewError(chat.KindValidation, "team_id must be positive", nil)
	}

	member, err := r.dir.IsMember(ctx, c.UserID(), teamID)
	if err != nil {
		return chat.NewError(chat.KindInternal, "membership lookup failed", err)
	}
	if !member {
		return chat.NewError(chat.KindAuthorization, "not a member of this team", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUser[c.UserID()] != c {
		return chat.NewError(chat.KindTransport, "connection is no longer active", nil)
	}
	r.removeLocked(c)
	set := r.byTeam[teamID]
	if set == nil {
		set = make(map[*Connection]struct{})
		r.byTeam[teamID] = set
	}
	set[c] = struct{}{}
	r.teamOf[c] = teamID

	if !c.subscribe(teamID) {
		c.log.Warn("subscription acknowledgement dropped", zap.Int64("team_id", teamID))
	}
	c.log.Debug("subscribed", zap.Int64("team_id", teamID))
	return nil
}

// Subscribers returns a snapshot of the connections subscribed to teamID.
func (r *Registry) Subscribers(teamID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byTeam[teamID])
}

// Lookup returns the live connection of userID, if any.
func (r *Registry) Lookup(userID int64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll closes every live connection with the given close code.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	conns := lo.Values(r.byUser)
	r.byUser = make(map[int64]*Connection)
	r.byTeam = make(map[int64]map[*Connection]struct{})
	r.teamOf = make(map[*Connection]int64)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(code, reason)
		r.metrics.Connections.Dec()
	}
	r.log.Info("closed client connections", zap.Int("count", len(conns)))
	return len(conns)
}
