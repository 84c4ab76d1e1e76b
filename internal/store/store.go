// Package store is the persistence boundary of the chat core: direct and
// group messages, group membership, conversation lookup and read receipts.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotAMember = errors.New("user is not a member of this group")
	ErrNotFound   = errors.New("not found")
)

// Message is a persisted chat message. ConversationID is zero for group
// messages and GroupID is zero for direct ones.
type Message struct {
	ID             int64
	ConversationID int64
	GroupID        int64
	SenderID       int64
	Content        string
	MessageType    string
	SentAt         time.Time
	ReadAt         *time.Time
}

type Group struct {
	ID          int64
	Name        string
	Description string
	CreatorID   int64
	CreatedAt   time.Time
}

// Store is what the dispatcher needs from durable storage.
type Store interface {
	// CreateDirectMessage records content from sender to recipient in the
	// conversation of the unordered pair, creating it on first use.
	CreateDirectMessage(ctx context.Context, sender, recipient int64, content string) (Message, error)
	// CreateGroupMessage fails with ErrNotAMember if sender is not in the group.
	CreateGroupMessage(ctx context.Context, sender, groupID int64, content string) (Message, error)
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
	// ConversationPartner returns the other participant, or false when the
	// conversation does not exist or requester is not part of it.
	ConversationPartner(ctx context.Context, conversationID, requester int64) (int64, bool, error)
	// MarkRead sets read_at on an unread direct message and returns its
	// sender. It returns false when the message was already read or is missing.
	MarkRead(ctx context.Context, messageID, reader int64) (int64, bool, error)
}

// canonicalPair orders two participants so that both directions map to the
// same conversation.
func canonicalPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
