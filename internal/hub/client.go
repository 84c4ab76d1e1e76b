// internal/hub/client.go
package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is one live session: a user bound to a websocket connection.
// Other goroutines only ever reach it through Enqueue.
type Client struct {
	ID     string
	UserID int64

	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once

	// guards the Closing transition
	closeOnce sync.Once

	lastHeartbeat atomic.Int64
	state         atomic.Int32
	connectedAt   time.Time
}

func newClient(userID int64, conn *websocket.Conn, sendBuffer int) *Client {
	now := time.Now()
	c := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: now,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Enqueue hands payload to the client's writer without blocking. A full
// queue means the peer is not keeping up; the payload is dropped.
func (c *Client) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// State reports where the client is in its lifecycle.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) touch() { c.lastHeartbeat.Store(time.Now().UnixNano()) }

// LastHeartbeat is the time of the most recent inbound frame or pong.
func (c *Client) LastHeartbeat() time.Time { return time.Unix(0, c.lastHeartbeat.Load()) }

// Done is closed once the client stops accepting outbound payloads.
func (c *Client) Done() <-chan struct{} { return c.done }

// stop makes the lifecycle loop exit at its next wait. Safe to call from
// any goroutine, any number of times.
func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// writePump is the only goroutine that writes data frames to conn.
func (c *Client) writePump(writeTimeout time.Duration) {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// unblocks the reader, which ends the session
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump feeds inbound data frames to the lifecycle loop one at a time.
// It does not read the next frame until the loop signals on resume.
func (c *Client) readPump(frames chan<- []byte, resume <-chan struct{}, readErr chan<- error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		c.touch()
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case frames <- data:
		case <-c.done:
			return
		}
		select {
		case <-resume:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeControl(messageType int, data []byte, writeTimeout time.Duration) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(writeTimeout))
}
