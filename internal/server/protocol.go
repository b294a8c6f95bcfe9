package server

import (
	"encoding/json"
	"errors"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Protocol interprets client frames for an authenticated connection.
type Protocol struct {
	registry *Registry
	router   *Router
	validate *validator.Validate
}

// NewProtocol wires the session protocol to a registry and router.
func NewProtocol(registry *Registry, router *Router) *Protocol {
	return &Protocol{
		registry: registry,
		router:   router,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handle processes one raw frame from c. Failures are reported to c as error
// frames and never affect other connections.
func (p *Protocol) Handle(c *Connection, raw []byte) {
	if c.State() != StateAuthenticated {
		return
	}

	var frame chat.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Debug("malformed frame", zap.Error(err))
		c.sendFrame(chat.ErrorFrame(chat.CodeBadRequest, "malformed frame", 0))
		return
	}
	if err := p.validate.Struct(frame); err != nil {
		c.sendError(frameError(err), frame.TeamID)
		return
	}

	switch frame.Kind() {
	case chat.FrameSubscribe:
		if err := p.registry.SetSubscription(c.Context(), c, frame.TeamID); err != nil {
			p.logFailure(c, "subscribe", frame.TeamID, err)
			c.sendError(err, frame.TeamID)
		}
	case chat.FrameSend:
		p.handleSend(c, frame)
	default:
		c.sendFrame(chat.ErrorFrame(chat.CodeBadRequest, "unknown frame type", frame.TeamID))
	}
}

func (p *Protocol) handleSend(c *Connection, frame chat.ClientFrame) {
	teamID := frame.TeamID
	if teamID == 0 {
		current, ok := c.Subscription()
		if !ok {
			c.sendError(chat.NewError(chat.KindAuthorization, "not subscribed to any team", nil), 0)
			return
		}
		teamID = current
	}

	if _, err := p.router.Publish(c.Context(), c, teamID, frame.Content); err != nil {
		p.logFailure(c, "send", teamID, err)
		c.sendError(err, teamID)
	}
}

func (p *Protocol) logFailure(c *Connection, op string, teamID int64, err error) {
	fields := []zap.Field{zap.String("op", op), zap.Int64("team_id", teamID), zap.Error(err)}
	switch chat.KindOf(err) {
	case chat.KindStorage, chat.KindInternal:
		c.log.Error("request failed", fields...)
	default:
		c.log.Debug("request rejected", fields...)
	}
}

func frameError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "TeamID":
			return chat.NewError(chat.KindValidation, "team_id must be a positive integer", err)
		case "Type":
			return chat.NewError(chat.KindValidation, "unsupported frame type", err)
		}
	}
	return chat.NewError(chat.KindValidation, "invalid frame", err)
}
