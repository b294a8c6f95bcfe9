package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/membership"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/Tyrowin/teamchat/internal/server"

// Router persists messages and fans them out to a team's subscribers.
// Publishes to one team are serialized, so every subscriber observes that
// team's messages in the order they were stored. Different teams proceed
// independently.
type Router struct {
	store    store.Store
	registry *Registry
	dir      membership.Directory
	metrics  *Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	maxLen   int

	mu    sync.Mutex
	teams map[int64]*sync.Mutex
}

// NewRouter creates a router that rejects content longer than
// maxContentLength runes.
func NewRouter(st store.Store, registry *Registry, dir membership.Directory, metrics *Metrics, logger *zap.Logger, maxContentLength int) *Router {
	return &Router{
		store:    st,
		registry: registry,
		dir:      dir,
		metrics:  metrics,
		log:      logger,
		tracer:   otel.Tracer(tracerName),
		maxLen:   maxContentLength,
		teams:    make(map[int64]*sync.Mutex),
	}
}

func (r *Router) teamLock(teamID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.teams[teamID]
	if !ok {
		l = &sync.Mutex{}
		r.teams[teamID] = l
	}
	return l
}

// Publish stores content as a message from sender to teamID and delivers it
// to every connection subscribed to the team, the sender included. Nothing
// is delivered when the message could not be stored.
func (r *Router) Publish(ctx context.Context, sender *Connection, teamID int64, content string) (chat.Message, error) {
	ctx, span := r.tracer.Start(ctx, "chat.publish", trace.WithAttributes(
		attribute.Int64("team_id", teamID),
		attribute.Int64("user_id", sender.UserID()),
	))
	defer span.End()

	start := time.Now()
	msg, err := r.publish(ctx, sender, teamID, content)
	r.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.Publishes.WithLabelValues(string(chat.KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, chat.ErrorText(err))
		return chat.Message{}, err
	}
	r.metrics.Publishes.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int64("message_id", msg.ID))
	return msg, nil
}

func (r *Router) publish(ctx context.Context, sender *Connection, teamID int64, content string) (chat.Message, error) {
	if team, ok := sender.Subscription(); !ok || team != teamID {
		return chat.Message{}, chat.NewError(chat.KindAuthorization, "not subscribed to this team", nil)
	}
	member, err := r.dir.IsMember(ctx, sender.UserID(), teamID)
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindInternal, "membership lookup failed", err)
	}
	if !member {
		return chat.Message{}, chat.NewError(chat.KindAuthorization, "not a member of this team", nil)
	}

	content, err = chat.NormalizeContent(content, r.maxLen)
	if err != nil {
		return chat.Message{}, err
	}

	lock := r.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := r.store.Append(ctx, store.Draft{
		TeamID:   teamID,
		UserID:   sender.UserID(),
		UserName: sender.Identity().Name,
		Content:  content,
	})
	if err != nil {
		if errors.Is(err, chat.ErrValidation) {
			return chat.Message{}, err
		}
		r.log.Error("append message", zap.Int64("team_id", teamID), zap.Error(err))
		if errors.Is(err, chat.ErrStorage) {
			return chat.Message{}, err
		}
		return chat.Message{}, chat.NewError(chat.KindStorage, "message could not be stored", err)
	}

	payload, err := json.Marshal(chat.MessageFrame(msg))
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindInternal, "encode message", err)
	}
	r.fanOut(teamID, payload)
	return msg, nil
}

func (r *Router) fanOut(teamID int64, payload []byte) {
	for _, c := range r.registry.Subscribers(teamID) {
		switch c.deliver(teamID, payload) {
		case deliveryQueued:
			r.metrics.Deliveries.WithLabelValues("queued").Inc()
		case deliverySkipped:
			r.metrics.Deliveries.WithLabelValues("skipped").Inc()
		case deliveryClosed:
			r.metrics.Deliveries.WithLabelValues("closed").Inc()
		case deliveryOverflow:
			r.metrics.Deliveries.WithLabelValues("overflow").Inc()
			r.dropSlow(c)
		}
	}
}

// dropSlow disconnects a subscriber whose outbound queue is full.
func (r *Router) dropSlow(c *Connection) {
	if !c.markClosed(websocket.ClosePolicyViolation, "slow consumer") {
		return
	}
	c.log.Warn("send queue full; dropping slow consumer")
	go func() {
		c.teardown()
		r.registry.Unregister(c)
	}()
}
