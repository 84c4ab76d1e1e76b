package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pair struct{ lo, hi int64 }

// Memory is an in-process Store. It backs tests and `serve` runs without a
// database URL.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	nextID        int64
	conversations map[pair]int64
	participants  map[int64]pair
	messages      map[int64]*Message
	groups        map[int64]*Group
	members       map[int64]map[int64]struct{}

	// Fail, when set, is returned by every write. Tests use it to simulate
	// an unavailable database.
	Fail error
}

func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		conversations: make(map[pair]int64),
		participants:  make(map[int64]pair),
		messages:      make(map[int64]*Message),
		groups:        make(map[int64]*Group),
		members:       make(map[int64]map[int64]struct{}),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) conversationLocked(a, b int64) int64 {
	lo, hi := canonicalPair(a, b)
	key := pair{lo, hi}
	if id, ok := m.conversations[key]; ok {
		return id
	}
	id := m.id()
	m.conversations[key] = id
	m.participants[id] = key
	return id
}

// Conversation returns the id for the pair, creating it if needed.
func (m *Memory) Conversation(a, b int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationLocked(a, b)
}

func (m *Memory) CreateDirectMessage(_ context.Context, sender, recipient int64, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return Message{}, m.Fail
	}
	msg := &Message{
		ConversationID: m.conversationLocked(sender, recipient),
		SenderID:       sender,
		Content:        content,
		MessageType:    "text",
		SentAt:         m.now(),
	}
	msg.ID = m.id()
	m.messages[msg.ID] = msg
	return *msg, nil
}

func (m *Memory) CreateGroup(_ context.Context, creator int64, name, description string, memberIDs []int64) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return Group{}, m.Fail
	}
	g := &Group{ID: m.id(), Name: name, Description: description, CreatorID: creator, CreatedAt: m.now()}
	m.groups[g.ID] = g
	set := map[int64]struct{}{creator: {}}
	for _, id := range memberIDs {
		set[id] = struct{}{}
	}
	m.members[g.ID] = set
	return *g, nil
}

func (m *Memory) CreateGroupMessage(_ context.Context, sender, groupID int64, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return Message{}, m.Fail
	}
	if _, ok := m.members[groupID][sender]; !ok {
		return Message{}, ErrNotAMember
	}
	msg := &Message{
		ID:          m.id(),
		GroupID:     groupID,
		SenderID:    sender,
		Content:     content,
		MessageType: "text",
		SentAt:      m.now(),
	}
	// not indexed: group messages have no read receipts
	return *msg, nil
}

func (m *Memory) GroupMembers(_ context.Context, groupID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.members[groupID]))
	for id := range m.members[groupID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) ConversationPartner(_ context.Context, conversationID, requester int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[conversationID]
	switch {
	case !ok:
		return 0, false, nil
	case p.lo == requester:
		return p.hi, true, nil
	case p.hi == requester:
		return p.lo, true, nil
	}
	return 0, false, nil
}

func (m *Memory) MarkRead(_ context.Context, messageID, reader int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, false, m.Fail
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ReadAt != nil || msg.SenderID == reader {
		return 0, false, nil
	}
	if p := m.participants[msg.ConversationID]; p.lo != reader && p.hi != reader {
		return 0, false, nil
	}
	now := m.now()
	msg.ReadAt = &now
	return msg.SenderID, true, nil
}

// Message returns a copy of a stored direct message.
func (m *Memory) Message(id int64) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *msg, nil
}
