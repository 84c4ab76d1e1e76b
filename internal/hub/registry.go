// internal/hub/registry.go
package hub

import (
	"sync"

	"github.com/erilali/chatserver/internal/logger"
)

// Registry maps a user to their one reachable session. It is the only
// state shared between connections. No lock is held while a payload is
// handed to a client; the session gauge is updated under the lock so it
// never lags the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Client

	logger  *logger.Logger
	metrics *Metrics
}

// NewRegistry returns an empty registry. A nil logger or metrics is allowed.
func NewRegistry(log *logger.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		sessions: make(map[int64]*Client),
		logger:   log,
		metrics:  metrics,
	}
}

// Join registers c as the session for c.UserID, replacing any earlier one.
// The replaced client is returned and left running.
func (r *Registry) Join(c *Client) *Client {
	r.mu.Lock()
	prev := r.sessions[c.UserID]
	r.sessions[c.UserID] = c
	r.metrics.setActive(len(r.sessions))
	r.mu.Unlock()

	if prev != nil && prev != c {
		return prev
	}
	return nil
}

// Leave removes whatever session is registered for userID.
func (r *Registry) Leave(userID int64) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.metrics.setActive(len(r.sessions))
	r.mu.Unlock()
}

// LeaveClient removes c only if it is still the registered session for its
// user. It reports whether an entry was removed.
func (r *Registry) LeaveClient(c *Client) bool {
	r.mu.Lock()
	cur, ok := r.sessions[c.UserID]
	removed := ok && cur == c
	if removed {
		delete(r.sessions, c.UserID)
		r.metrics.setActive(len(r.sessions))
	}
	r.mu.Unlock()
	return removed
}

// Lookup returns the registered client for userID, if any.
func (r *Registry) Lookup(userID int64) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.sessions[userID]
	r.mu.RUnlock()
	return c, ok
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendOne delivers payload to userID if they are connected. An offline
// user is not an error; the payload is dropped and false is returned.
func (r *Registry) SendOne(userID int64, payload []byte) bool {
	c, ok := r.Lookup(userID)
	if !ok {
		r.metrics.delivery(deliveryOffline)
		return false
	}
	if err := c.Enqueue(payload); err != nil {
		r.metrics.delivery(deliveryFailed)
		r.logger.WithUser(userID).WithError(err).WithField("conn_id", c.ID).Warn("Delivery dropped")
		return false
	}
	r.metrics.delivery(deliveryOK)
	return true
}

// Broadcast delivers payload to every connected user in userIDs and returns
// how many accepted it. Each recipient is handled on its own; a slow or
// closed recipient never holds up the rest.
func (r *Registry) Broadcast(userIDs []int64, payload []byte) int {
	delivered := 0
	for _, id := range userIDs {
		if r.SendOne(id, payload) {
			delivered++
		}
	}
	return delivered
}
