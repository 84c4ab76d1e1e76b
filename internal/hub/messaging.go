// internal/hub/messaging.go
package hub

import (
	"context"
	"errors"
	"strings"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
	"github.com/erilali/chatserver/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxContentLength = 4000

// Fanout delivers payloads to live sessions. Registry implements it.
type Fanout interface {
	SendOne(userID int64, payload []byte) bool
	Broadcast(userIDs []int64, payload []byte) int
}

// Dispatcher routes decoded frames to storage and then to recipients. It
// keeps no state between frames.
type Dispatcher struct {
	store   store.Store
	fanout  Fanout
	events  EventPublisher
	metrics *Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewDispatcher builds a dispatcher that persists through st and delivers
// through fanout. events and metrics may be nil.
func NewDispatcher(st store.Store, fanout Fanout, events EventPublisher, metrics *Metrics, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		store:   st,
		fanout:  fanout,
		events:  events,
		metrics: metrics,
		logger:  log,
		tracer:  otel.Tracer("github.com/erilali/chatserver/internal/hub"),
	}
}

// validateMessageContent trims content and checks it is 1-4000 characters.
func validateMessageContent(content string) bool {
	content = strings.TrimSpace(content)
	n := len([]rune(content))
	return n >= 1 && n <= maxContentLength
}

// Dispatch handles one inbound frame from c. Protocol errors are logged
// and dropped; persistence errors go back to c as an Error frame.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, data []byte) {
	log := d.logger.WithUser(c.UserID).WithField("conn_id", c.ID)

	ev, err := message.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, message.ErrUnknownType) {
			reason = "unknown_type"
		}
		d.metrics.dropped(reason)
		log.WithError(err).Warn("Dropping inbound frame")
		return
	}
	d.metrics.frame(ev.Type())

	ctx, span := d.tracer.Start(ctx, "chat.dispatch "+ev.Type(), trace.WithAttributes(
		attribute.String("chat.event", ev.Type()),
		attribute.Int64("chat.user_id", c.UserID),
	))
	defer span.End()

	switch e := ev.(type) {
	case message.TextMessage:
		err = d.handleText(ctx, c, e, log)
	case message.GroupMessage:
		err = d.handleGroup(ctx, c, e, log)
	case message.Typing:
		d.handleTyping(ctx, c, e, log)
	case message.MessageRead:
		err = d.handleRead(ctx, c, e, log)
	case message.UserStatus:
		log.Debug("Ignoring client supplied UserStatus")
	default:
		log.Warnf("No handler for %s", ev.Type())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (d *Dispatcher) handleText(ctx context.Context, c *Client, e message.TextMessage, log *logger.Logger) error {
	if e.ToUserID <= 0 {
		d.sendError(c, "Invalid recipient")
		return nil
	}
	if !validateMessageContent(e.Content) {
		d.sendError(c, "Invalid message content: must be 1-4000 characters")
		return nil
	}

	msg, err := d.store.CreateDirectMessage(ctx, c.UserID, e.ToUserID, e.Content)
	if err != nil {
		d.metrics.storeError("create_direct_message")
		log.WithError(err).Errorf("Failed to save message to %d", e.ToUserID)
		d.sendError(c, "Failed to send message")
		return err
	}
	d.publishDirect(msg, e.ToUserID)

	sentAt := msg.SentAt
	d.fanout.SendOne(e.ToUserID, message.MustEncode(message.TextMessage{
		ToUserID:       c.UserID,
		Content:        msg.Content,
		SenderID:       c.UserID,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SentAt:         &sentAt,
	}))

	d.sendAck(c, message.Ack{
		Status:         message.StatusSent,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
	})
	log.Debugf("Message %d delivered to conversation %d", msg.ID, msg.ConversationID)
	return nil
}

func (d *Dispatcher) handleGroup(ctx context.Context, c *Client, e message.GroupMessage, log *logger.Logger) error {
	if !validateMessageContent(e.Content) {
		d.sendError(c, "Invalid message content: must be 1-4000 characters")
		return nil
	}

	msg, err := d.store.CreateGroupMessage(ctx, c.UserID, e.GroupID, e.Content)
	if errors.Is(err, store.ErrNotAMember) {
		d.sendError(c, "You are not a member of this group")
		return err
	}
	if err != nil {
		d.metrics.storeError("create_group_message")
		log.WithError(err).Errorf("Failed to save group message to %d", e.GroupID)
		d.sendError(c, "Failed to send group message")
		return err
	}
	d.publishGroup(msg)

	// the row is stored, so a membership lookup failure only costs live delivery
	if members, err := d.store.GroupMembers(ctx, e.GroupID); err != nil {
		d.metrics.storeError("group_members")
		log.WithError(err).Errorf("Failed to load members of group %d", e.GroupID)
	} else {
		sentAt := msg.SentAt
		d.fanout.Broadcast(excluding(members, c.UserID), message.MustEncode(message.GroupMessage{
			GroupID:   e.GroupID,
			Content:   msg.Content,
			SenderID:  c.UserID,
			MessageID: msg.ID,
			SentAt:    &sentAt,
		}))
	}

	d.sendAck(c, message.Ack{
		Status:    message.StatusSentGroup,
		MessageID: msg.ID,
		GroupID:   e.GroupID,
		Content:   msg.Content,
	})
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, c *Client, e message.Typing, log *logger.Logger) {
	switch {
	case e.GroupID != nil:
		members, err := d.store.GroupMembers(ctx, *e.GroupID)
		if err != nil {
			d.metrics.storeError("group_members")
			log.WithError(err).Warnf("Typing: failed to load members of group %d", *e.GroupID)
			return
		}
		if !contains(members, c.UserID) {
			return
		}
		d.fanout.Broadcast(excluding(members, c.UserID), message.MustEncode(message.Typing{
			GroupID:  e.GroupID,
			IsTyping: e.IsTyping,
			UserID:   c.UserID,
		}))
	case e.ConversationID != nil:
		partner, ok, err := d.store.ConversationPartner(ctx, *e.ConversationID, c.UserID)
		if err != nil {
			d.metrics.storeError("conversation_partner")
			log.WithError(err).Warnf("Typing: failed to resolve conversation %d", *e.ConversationID)
			return
		}
		if !ok || partner == c.UserID {
			return
		}
		d.fanout.SendOne(partner, message.MustEncode(message.Typing{
			ConversationID: e.ConversationID,
			IsTyping:       e.IsTyping,
			UserID:         c.UserID,
		}))
	}
}

func (d *Dispatcher) handleRead(ctx context.Context, c *Client, e message.MessageRead, log *logger.Logger) error {
	sender, ok, err := d.store.MarkRead(ctx, e.MessageID, c.UserID)
	if err != nil {
		d.metrics.storeError("mark_read")
		log.WithError(err).Errorf("Failed to mark message %d read", e.MessageID)
		d.sendError(c, "Failed to mark message read")
		return err
	}
	if !ok {
		return nil
	}
	d.publishRead(e.MessageID, c.UserID, sender)
	d.fanout.SendOne(sender, message.MustEncode(message.MessageRead{MessageID: e.MessageID}))
	return nil
}

// sendAck and sendError reply to the originating connection only.
func (d *Dispatcher) sendAck(c *Client, ack message.Ack) {
	if err := c.Enqueue(message.MustEncode(ack)); err != nil {
		d.logger.WithUser(c.UserID).WithError(err).Warn("Failed to queue ack")
	}
}

func (d *Dispatcher) sendError(c *Client, reason string) {
	if err := c.Enqueue(message.MustEncode(message.Error{Error: reason})); err != nil {
		d.logger.WithUser(c.UserID).WithError(err).Warn("Failed to queue error frame")
	}
}

func excluding(ids []int64, skip int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
