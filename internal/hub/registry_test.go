package hub

import (
	"sync"
	"testing"
	"time"
)

func testClient(userID int64, buffer int) *Client {
	return newClient(userID, nil, buffer)
}

// drain returns everything queued on c without blocking.
func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-c.send:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestRegistry_JoinReplaces(t *testing.T) {
	r := NewRegistry(nil, NewMetrics(nil))
	first := testClient(1, 4)
	second := testClient(1, 4)

	if prev := r.Join(first); prev != nil {
		t.Fatalf("first join returned %v", prev)
	}
	if prev := r.Join(second); prev != first {
		t.Fatalf("second join returned %v, want first client", prev)
	}
	got, ok := r.Lookup(1)
	if !ok || got != second {
		t.Fatalf("Lookup = (%v, %v), want second client", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	select {
	case <-first.Done():
		t.Fatal("superseded client was stopped by the registry")
	default:
	}
}

func TestRegistry_LeaveIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Leave(99)

	r.Join(testClient(1, 1))
	r.Leave(1)
	r.Leave(1)
	if _, ok := r.Lookup(1); ok {
		t.Fatal("user still registered after Leave")
	}
}

func TestRegistry_LeaveClientKeepsNewerSession(t *testing.T) {
	r := NewRegistry(nil, nil)
	old := testClient(1, 1)
	cur := testClient(1, 1)
	r.Join(old)
	r.Join(cur)

	if r.LeaveClient(old) {
		t.Fatal("stale client removed the newer session")
	}
	if got, _ := r.Lookup(1); got != cur {
		t.Fatal("newer session lost")
	}
	if !r.LeaveClient(cur) {
		t.Fatal("current client not removed")
	}
	if r.LeaveClient(cur) {
		t.Fatal("second LeaveClient reported a removal")
	}
}

func TestRegistry_SendOneOffline(t *testing.T) {
	r := NewRegistry(nil, NewMetrics(nil))
	if r.SendOne(5, []byte("x")) {
		t.Fatal("SendOne to an offline user reported delivery")
	}
	if n := r.Broadcast([]int64{5, 6}, []byte("x")); n != 0 {
		t.Fatalf("Broadcast to offline users delivered %d", n)
	}
}

func TestRegistry_BroadcastIsolatesRecipients(t *testing.T) {
	r := NewRegistry(nil, NewMetrics(nil))
	full := testClient(1, 1)
	_ = full.Enqueue([]byte("backlog"))
	closed := testClient(2, 1)
	closed.stop()
	healthy := testClient(3, 1)
	for _, c := range []*Client{full, closed, healthy} {
		r.Join(c)
	}

	n := r.Broadcast([]int64{1, 2, 3, 4}, []byte("news"))
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	got := drain(healthy)
	if len(got) != 1 || string(got[0]) != "news" {
		t.Fatalf("healthy client got %q", got)
	}
	if backlog := drain(full); len(backlog) != 1 || string(backlog[0]) != "backlog" {
		t.Fatalf("full client queue = %q", backlog)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil, NewMetrics(nil))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := testClient(id%10, 8)
				r.Join(c)
				r.SendOne((id+1)%10, []byte("p"))
				r.Lookup(id % 10)
				r.LeaveClient(c)
			}
		}(int64(i))
	}
	wg.Wait()
	for id := int64(0); id < 10; id++ {
		if c, ok := r.Lookup(id); ok {
			// only a client that lost a LeaveClient race with a newer Join can remain
			r.LeaveClient(c)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d after all clients left", r.Count())
	}
}

func TestClient_StateAndHeartbeat(t *testing.T) {
	before := time.Now()
	c := testClient(1, 1)
	if c.State() != StateConnecting {
		t.Fatalf("new client state = %s", c.State())
	}
	if hb := c.LastHeartbeat(); hb.Before(before.Add(-time.Second)) || hb.After(time.Now()) {
		t.Fatalf("LastHeartbeat = %s, want around %s", hb, before)
	}

	c.setState(StateActive)
	time.Sleep(time.Millisecond)
	c.touch()
	if c.State() != StateActive || !c.LastHeartbeat().After(before) {
		t.Fatalf("state = %s, heartbeat = %s", c.State(), c.LastHeartbeat())
	}
}
