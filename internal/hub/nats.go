// internal/hub/nats.go
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/store"
	"github.com/nats-io/nats.go"
)

const (
	// ChatStream holds every mirrored chat event.
	ChatStream          = "CHAT"
	chatStreamRetention = 24 * time.Hour
)

// EventPublisher mirrors persisted chat events to an external stream.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// JetStreamPublisher publishes asynchronously; failures surface through
// the JetStream async error handler rather than the caller.
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

func NewJetStreamPublisher(js nats.JetStreamContext) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(subject string, data []byte) error {
	_, err := p.js.PublishAsync(subject, data)
	return err
}

// EnsureChatStream creates or updates the CHAT stream holding chat.> subjects.
func EnsureChatStream(js nats.JetStreamContext, log *logger.Logger) error {
	streamConfig := &nats.StreamConfig{
		Name:     ChatStream,
		Subjects: []string{"chat.direct.*", "chat.group.*", "chat.read.*"},
		Storage:  nats.FileStorage,
		MaxAge:   chatStreamRetention,
	}
	if _, err := js.StreamInfo(streamConfig.Name); err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", streamConfig.Name, err)
		}
		log.Infof("Created stream: %s", streamConfig.Name)
		return nil
	}
	if _, err := js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("update stream %s: %w", streamConfig.Name, err)
	}
	log.Infof("Updated stream: %s", streamConfig.Name)
	return nil
}

type messageEvent struct {
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	GroupID        int64     `json:"group_id,omitempty"`
	SenderID       int64     `json:"sender_id"`
	RecipientID    int64     `json:"recipient_id,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

type readEvent struct {
	MessageID int64     `json:"message_id"`
	ReaderID  int64     `json:"reader_id"`
	SenderID  int64     `json:"sender_id"`
	ReadAt    time.Time `json:"read_at"`
}

func (d *Dispatcher) publish(subject string, v interface{}) {
	if d.events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Errorf("Failed to marshal event for %s: %v", subject, err)
		return
	}
	if err := d.events.Publish(subject, data); err != nil {
		d.logger.Errorf("Failed to publish %s to NATS: %v", subject, err)
	}
}

func (d *Dispatcher) publishDirect(msg store.Message, recipient int64) {
	d.publish(fmt.Sprintf("chat.direct.%d", msg.ConversationID), messageEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    recipient,
		Content:        msg.Content,
		SentAt:         msg.SentAt,
	})
}

func (d *Dispatcher) publishGroup(msg store.Message) {
	d.publish(fmt.Sprintf("chat.group.%d", msg.GroupID), messageEvent{
		MessageID: msg.ID,
		GroupID:   msg.GroupID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		SentAt:    msg.SentAt,
	})
}

func (d *Dispatcher) publishRead(messageID, reader, sender int64) {
	d.publish(fmt.Sprintf("chat.read.%d", messageID), readEvent{
		MessageID: messageID,
		ReaderID:  reader,
		SenderID:  sender,
		ReadAt:    time.Now(),
	})
}
