package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/erilali/chatserver/internal/message"
	"github.com/erilali/chatserver/internal/store"
)

type recordedEvent struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{subject, data})
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.subject
	}
	return out
}

type dispatchFixture struct {
	store    *store.Memory
	registry *Registry
	events   *fakePublisher
	d        *Dispatcher
}

func newDispatchFixture() *dispatchFixture {
	f := &dispatchFixture{
		store:  store.NewMemory(),
		events: &fakePublisher{},
	}
	metrics := NewMetrics(nil)
	f.registry = NewRegistry(nil, metrics)
	f.d = NewDispatcher(f.store, f.registry, f.events, metrics, nil)
	return f
}

func (f *dispatchFixture) connect(userID int64) *Client {
	c := testClient(userID, 16)
	f.registry.Join(c)
	return c
}

func (f *dispatchFixture) send(c *Client, frame string) {
	f.d.Dispatch(context.Background(), c, []byte(frame))
}

func frameType(t *testing.T, payload []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("outbound frame %q is not JSON: %v", payload, err)
	}
	return env.Type
}

func decodeFrame(t *testing.T, payload []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(payload, v); err != nil {
		t.Fatalf("decode %q: %v", payload, err)
	}
}

// single returns the one frame queued on c and fails unless it has type want.
func single(t *testing.T, c *Client, want string) []byte {
	t.Helper()
	got := drain(c)
	if len(got) != 1 {
		t.Fatalf("user %d received %d frames, want 1: %q", c.UserID, len(got), got)
	}
	if typ := frameType(t, got[0]); typ != want {
		t.Fatalf("user %d received %s, want %s: %s", c.UserID, typ, want, got[0])
	}
	return got[0]
}

func TestDispatch_DirectMessageRoundTrip(t *testing.T) {
	f := newDispatchFixture()
	alice, bob := f.connect(1), f.connect(2)

	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"hello"}`)

	var delivered message.TextMessage
	decodeFrame(t, single(t, bob, message.TypeTextMessage), &delivered)
	if delivered.Content != "hello" || delivered.SenderID != 1 || delivered.ToUserID != 1 {
		t.Fatalf("delivered = %+v", delivered)
	}
	if delivered.MessageID == 0 || delivered.SentAt == nil {
		t.Fatalf("delivered frame missing stored fields: %+v", delivered)
	}

	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)
	if ack.Status != message.StatusSent || ack.MessageID != delivered.MessageID {
		t.Fatalf("ack = %+v", ack)
	}

	stored, err := f.store.Message(ack.MessageID)
	if err != nil {
		t.Fatalf("message not stored: %v", err)
	}
	if stored.SenderID != 1 || stored.Content != "hello" {
		t.Fatalf("stored = %+v", stored)
	}

	// the reply lands in the same conversation
	f.send(bob, `{"type":"TextMessage","to_user_id":1,"content":"hi back"}`)
	var reply message.TextMessage
	decodeFrame(t, single(t, alice, message.TypeTextMessage), &reply)
	if reply.ConversationID != delivered.ConversationID {
		t.Fatalf("reply conversation %d, want %d", reply.ConversationID, delivered.ConversationID)
	}
	single(t, bob, message.TypeAck)

	if subs := f.events.subjects(); len(subs) != 2 || !strings.HasPrefix(subs[0], "chat.direct.") {
		t.Fatalf("published subjects = %v", subs)
	}
}

func TestDispatch_DirectMessageToOfflineUser(t *testing.T) {
	f := newDispatchFixture()
	alice := f.connect(1)

	f.send(alice, `{"type":"TextMessage","to_user_id":7,"content":"later"}`)

	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)
	if _, err := f.store.Message(ack.MessageID); err != nil {
		t.Fatalf("offline message not stored: %v", err)
	}
}

func TestDispatch_PersistenceFailureSuppressesDelivery(t *testing.T) {
	f := newDispatchFixture()
	alice, bob := f.connect(1), f.connect(2)
	f.store.Fail = errors.New("db down")

	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"lost"}`)

	var e message.Error
	decodeFrame(t, single(t, alice, message.TypeError), &e)
	if e.Error != "Failed to send message" {
		t.Fatalf("error = %q", e.Error)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("recipient received %q after failed persist", got)
	}
	if subs := f.events.subjects(); len(subs) != 0 {
		t.Fatalf("published %v after failed persist", subs)
	}
}

func TestDispatch_InvalidDirectMessages(t *testing.T) {
	f := newDispatchFixture()
	alice := f.connect(1)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"empty content", `{"type":"TextMessage","to_user_id":2,"content":"   "}`, "Invalid message content: must be 1-4000 characters"},
		{"too long", `{"type":"TextMessage","to_user_id":2,"content":"` + strings.Repeat("x", 4001) + `"}`, "Invalid message content: must be 1-4000 characters"},
		{"no recipient", `{"type":"TextMessage","content":"hi"}`, "Invalid recipient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.send(alice, tt.frame)
			var e message.Error
			decodeFrame(t, single(t, alice, message.TypeError), &e)
			if e.Error != tt.want {
				t.Fatalf("error = %q, want %q", e.Error, tt.want)
			}
		})
	}
}

func TestDispatch_GroupMessageExcludesSender(t *testing.T) {
	f := newDispatchFixture()
	alice, bob, carol := f.connect(1), f.connect(2), f.connect(3)
	g, err := f.store.CreateGroup(context.Background(), 1, "team", "", []int64{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}

	f.send(alice, `{"type":"GroupMessage","group_id":`+itoa(g.ID)+`,"content":"standup"}`)

	for _, c := range []*Client{bob, carol} {
		var gm message.GroupMessage
		decodeFrame(t, single(t, c, message.TypeGroupMessage), &gm)
		if gm.GroupID != g.ID || gm.SenderID != 1 || gm.Content != "standup" {
			t.Fatalf("user %d got %+v", c.UserID, gm)
		}
	}
	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)
	if ack.Status != message.StatusSentGroup || ack.GroupID != g.ID {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestDispatch_GroupMessageFromNonMember(t *testing.T) {
	f := newDispatchFixture()
	bob, mallory := f.connect(2), f.connect(9)
	g, _ := f.store.CreateGroup(context.Background(), 1, "team", "", []int64{2})

	f.send(mallory, `{"type":"GroupMessage","group_id":`+itoa(g.ID)+`,"content":"spam"}`)

	var e message.Error
	decodeFrame(t, single(t, mallory, message.TypeError), &e)
	if e.Error != "You are not a member of this group" {
		t.Fatalf("error = %q", e.Error)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("member received %q", got)
	}
}

func TestDispatch_TypingInGroupExcludesSender(t *testing.T) {
	f := newDispatchFixture()
	alice, bob := f.connect(1), f.connect(2)
	g, _ := f.store.CreateGroup(context.Background(), 1, "team", "", []int64{2})

	f.send(alice, `{"type":"Typing","group_id":`+itoa(g.ID)+`,"is_typing":true}`)

	var typing message.Typing
	decodeFrame(t, single(t, bob, message.TypeTyping), &typing)
	if typing.UserID != 1 || !typing.IsTyping || typing.GroupID == nil || *typing.GroupID != g.ID {
		t.Fatalf("typing = %+v", typing)
	}
	if got := drain(alice); len(got) != 0 {
		t.Fatalf("sender received its own typing event: %q", got)
	}
}

func TestDispatch_TypingInGroupRequiresMembership(t *testing.T) {
	f := newDispatchFixture()
	alice, bob, mallory := f.connect(1), f.connect(2), f.connect(3)
	g, _ := f.store.CreateGroup(context.Background(), 1, "team", "", []int64{2})

	f.send(mallory, `{"type":"Typing","group_id":`+itoa(g.ID)+`,"is_typing":true}`)

	for _, c := range []*Client{alice, bob, mallory} {
		if got := drain(c); len(got) != 0 {
			t.Fatalf("user %d received %q", c.UserID, got)
		}
	}
}

func TestDispatch_TypingInConversation(t *testing.T) {
	f := newDispatchFixture()
	alice, bob, carol := f.connect(1), f.connect(2), f.connect(3)
	conv := f.store.Conversation(1, 2)

	f.send(alice, `{"type":"Typing","conversation_id":`+itoa(conv)+`,"is_typing":false}`)

	var typing message.Typing
	decodeFrame(t, single(t, bob, message.TypeTyping), &typing)
	if typing.UserID != 1 || typing.IsTyping {
		t.Fatalf("typing = %+v", typing)
	}

	// outsiders cannot type into a conversation they are not part of
	f.send(carol, `{"type":"Typing","conversation_id":`+itoa(conv)+`,"is_typing":true}`)
	// neither target is a no-op
	f.send(carol, `{"type":"Typing","is_typing":true}`)
	for _, c := range []*Client{alice, bob, carol} {
		if got := drain(c); len(got) != 0 {
			t.Fatalf("user %d received %q", c.UserID, got)
		}
	}
}

func TestDispatch_ReadReceiptSentOnce(t *testing.T) {
	f := newDispatchFixture()
	alice, bob := f.connect(1), f.connect(2)

	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"read me"}`)
	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)
	drain(bob)

	read := `{"type":"MessageRead","message_id":` + itoa(ack.MessageID) + `}`
	f.send(bob, read)

	var receipt message.MessageRead
	decodeFrame(t, single(t, alice, message.TypeMessageRead), &receipt)
	if receipt.MessageID != ack.MessageID {
		t.Fatalf("receipt = %+v", receipt)
	}

	f.send(bob, read)
	if got := drain(alice); len(got) != 0 {
		t.Fatalf("second read produced %q", got)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("reader received %q", got)
	}

	stored, _ := f.store.Message(ack.MessageID)
	if stored.ReadAt == nil {
		t.Fatal("read_at not recorded")
	}
}

func TestDispatch_SenderCannotMarkOwnMessageRead(t *testing.T) {
	f := newDispatchFixture()
	alice := f.connect(1)

	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"mine"}`)
	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)

	f.send(alice, `{"type":"MessageRead","message_id":`+itoa(ack.MessageID)+`}`)
	if got := drain(alice); len(got) != 0 {
		t.Fatalf("sender received %q", got)
	}
}

func TestDispatch_StrangerCannotMarkRead(t *testing.T) {
	f := newDispatchFixture()
	alice, bob, carol := f.connect(1), f.connect(2), f.connect(3)

	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"not for carol"}`)
	var ack message.Ack
	decodeFrame(t, single(t, alice, message.TypeAck), &ack)
	drain(bob)

	f.send(carol, `{"type":"MessageRead","message_id":`+itoa(ack.MessageID)+`}`)
	for _, c := range []*Client{alice, bob, carol} {
		if got := drain(c); len(got) != 0 {
			t.Fatalf("user %d received %q", c.UserID, got)
		}
	}
	if stored, _ := f.store.Message(ack.MessageID); stored.ReadAt != nil {
		t.Fatal("stranger marked the message read")
	}

	// the real recipient can still mark it read afterwards
	f.send(bob, `{"type":"MessageRead","message_id":`+itoa(ack.MessageID)+`}`)
	single(t, alice, message.TypeMessageRead)
}

func TestDispatch_BadFramesAreDropped(t *testing.T) {
	f := newDispatchFixture()
	alice, bob := f.connect(1), f.connect(2)

	for _, frame := range []string{
		`not json`,
		`{"content":"no type"}`,
		`{"type":"Shout","content":"?"}`,
		`{"type":"TextMessage","to_user_id":"two"}`,
		`{"type":"Ack","status":"Sent"}`,
		`{"type":"UserStatus","user_id":1,"status":"online"}`,
	} {
		f.send(alice, frame)
	}
	for _, c := range []*Client{alice, bob} {
		if got := drain(c); len(got) != 0 {
			t.Fatalf("user %d received %q", c.UserID, got)
		}
	}

	// the session keeps working
	f.send(alice, `{"type":"TextMessage","to_user_id":2,"content":"still here"}`)
	single(t, bob, message.TypeTextMessage)
	single(t, alice, message.TypeAck)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
