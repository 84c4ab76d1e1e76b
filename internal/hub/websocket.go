// internal/hub/websocket.go
package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Reasons a session ends, used in logs and the disconnects metric.
const (
	causePeerClosed = "peer_closed"
	causeReadError  = "read_error"
	causeTimeout    = "heartbeat_timeout"
	causeWriteError = "write_error"
	causeStopped    = "stopped"
)

// ServeWs resolves the caller's identity, upgrades the connection and runs
// the session until it ends. It blocks for the lifetime of the connection.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolver.Resolve(r)
	if err != nil {
		h.metrics.rejected()
		h.Logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("Handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WithUser(userID).Errorf("WebSocket upgrade error: %v", err)
		return
	}

	c := newClient(userID, conn, h.config.SendBuffer)
	if !h.track(c) {
		_ = c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), h.config.WriteTimeout)
		_ = conn.Close()
		return
	}
	defer h.untrack(c)

	h.serve(c)
}

func (h *Hub) serve(c *Client) {
	log := h.Logger.WithUser(c.UserID).WithField("conn_id", c.ID)

	c.conn.SetReadLimit(h.config.ReadLimit)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		c.touch()
		err := c.writeControl(websocket.PongMessage, []byte(data), h.config.WriteTimeout)
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})

	h.metrics.connected()
	if prev := h.Registry.Join(c); prev != nil {
		log.Infof("Superseded connection %s", prev.ID)
		if h.config.EvictSuperseded {
			prev.stop()
		}
	}
	c.setState(StateActive)
	h.markOnline(c)
	log.Info("Client connected")

	frames := make(chan []byte)
	resume := make(chan struct{})
	readErr := make(chan error, 1)
	go c.writePump(h.config.WriteTimeout)
	go c.readPump(frames, resume, readErr)

	cause, err := h.run(c, frames, resume, readErr)
	h.closeClient(c, cause)

	entry := log.WithField("cause", cause).WithField("duration", time.Since(c.connectedAt).String())
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		entry = entry.WithError(err)
	}
	entry.Info("Client disconnected")
}

// run is the Active state: it waits for whichever comes first of the next
// inbound frame, a heartbeat tick, or the end of the transport.
func (h *Hub) run(c *Client, frames <-chan []byte, resume chan<- struct{}, readErr <-chan error) (string, error) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-frames:
			h.Dispatcher.Dispatch(h.ctx, c, data)
			select {
			case resume <- struct{}{}:
			case <-c.done:
				return causeStopped, nil
			}

		case err := <-readErr:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return causePeerClosed, err
			}
			return causeReadError, err

		case now := <-ticker.C:
			if now.Sub(c.LastHeartbeat()) > h.config.HeartbeatTimeout {
				return causeTimeout, nil
			}
			if err := c.writeControl(websocket.PingMessage, nil, h.config.WriteTimeout); err != nil {
				return causeWriteError, err
			}
			// a superseded connection must not overwrite the newer one's presence
			if cur, ok := h.Registry.Lookup(c.UserID); ok && cur == c {
				h.markOnline(c)
			}

		case <-c.done:
			return causeStopped, nil
		}
	}
}

// closeClient performs the Closing transition once: deregister, tell the
// peer, drop the transport. Queued outbound payloads are discarded.
func (h *Hub) closeClient(c *Client, cause string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if h.Registry.LeaveClient(c) {
			h.markOffline(c)
		}
		c.stop()

		code, text := websocket.CloseNormalClosure, ""
		switch cause {
		case causeTimeout:
			code, text = websocket.CloseGoingAway, "heartbeat timeout"
		case causeStopped:
			code, text = websocket.CloseGoingAway, "session ended"
		}
		_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), h.config.WriteTimeout)
		_ = c.conn.Close()

		c.setState(StateClosed)
		h.metrics.disconnected(cause)
	})
}

func (h *Hub) markOnline(c *Client) {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()
	if err := h.presence.Online(ctx, c.UserID, c.ID); err != nil {
		h.Logger.WithUser(c.UserID).WithError(err).Warn("Presence update failed")
	}
}

func (h *Hub) markOffline(c *Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), h.config.WriteTimeout)
	defer cancel()
	if err := h.presence.Offline(ctx, c.UserID, c.ID); err != nil {
		h.Logger.WithUser(c.UserID).WithError(err).Warn("Presence removal failed")
	}
}
