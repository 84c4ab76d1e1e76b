// internal/message/message.go
// Wire protocol: JSON frames with a "type" discriminant.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeTextMessage  = "TextMessage"
	TypeGroupMessage = "GroupMessage"
	TypeTyping       = "Typing"
	TypeMessageRead  = "MessageRead"
	TypeUserStatus   = "UserStatus"
	TypeAck          = "Ack"
	TypeError        = "Error"
)

const (
	StatusSent      = "Sent"
	StatusSentGroup = "SentGroup"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// string "type" or whose body does not match the variant.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for well-formed frames with an unrecognized type.
	ErrUnknownType = errors.New("unknown frame type")
)

// Event is the closed set of frames exchanged over a session.
type Event interface {
	Type() string
	isEvent()
}

type TextMessage struct {
	ToUserID int64  `json:"to_user_id"`
	Content  string `json:"content"`

	SenderID       int64      `json:"sender_id,omitempty"`
	MessageID      int64      `json:"message_id,omitempty"`
	ConversationID int64      `json:"conversation_id,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

type GroupMessage struct {
	GroupID int64  `json:"group_id"`
	Content string `json:"content"`

	SenderID  int64      `json:"sender_id,omitempty"`
	MessageID int64      `json:"message_id,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Typing targets either a direct conversation or a group. When both are
// present the group wins.
type Typing struct {
	ConversationID *int64 `json:"conversation_id"`
	GroupID        *int64 `json:"group_id"`
	IsTyping       bool   `json:"is_typing"`

	UserID int64 `json:"user_id,omitempty"`
}

type MessageRead struct {
	MessageID int64 `json:"message_id"`
}

// UserStatus is server originated; inbound copies are ignored.
type UserStatus struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

type Ack struct {
	Status         string `json:"status"`
	MessageID      int64  `json:"message_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	GroupID        int64  `json:"group_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

type Error struct {
	Error string `json:"error"`
}

func (TextMessage) Type() string  { return TypeTextMessage }
func (GroupMessage) Type() string { return TypeGroupMessage }
func (Typing) Type() string       { return TypeTyping }
func (MessageRead) Type() string  { return TypeMessageRead }
func (UserStatus) Type() string   { return TypeUserStatus }
func (Ack) Type() string          { return TypeAck }
func (Error) Type() string        { return TypeError }

func (TextMessage) isEvent()  {}
func (GroupMessage) isEvent() {}
func (Typing) isEvent()       {}
func (MessageRead) isEvent()  {}
func (UserStatus) isEvent()   {}
func (Ack) isEvent()          {}
func (Error) isEvent()        {}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Event
	var err error
	switch env.Type {
	case TypeTextMessage:
		ev, err = decodeAs[TextMessage](data)
	case TypeGroupMessage:
		ev, err = decodeAs[GroupMessage](data)
	case TypeTyping:
		ev, err = decodeAs[Typing](data)
	case TypeMessageRead:
		ev, err = decodeAs[MessageRead](data)
	case TypeUserStatus:
		ev, err = decodeAs[UserStatus](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode serializes an event with its "type" discriminant.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(ev.Type())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// MustEncode is Encode for events whose fields cannot fail to marshal.
func MustEncode(ev Event) []byte {
	b, err := Encode(ev)
	if err != nil {
		panic(fmt.Sprintf("message: encode %s: %v", ev.Type(), err))
	}
	return b
}
