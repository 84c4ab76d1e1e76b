// internal/hub/hub.go
// Provides the Hub: session registry, connection lifecycle and dispatch wired together.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/erilali/chatserver/internal/auth"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/presence"
	"github.com/erilali/chatserver/internal/store"
	"github.com/gorilla/websocket"
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	ReadLimit         int64
	// EvictSuperseded closes a user's previous connection when a new one
	// joins. Off by default: the old connection lingers until it fails or
	// times out, but is no longer reachable.
	EvictSuperseded bool
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the heartbeat and buffer settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        256,
		ReadLimit:         64 * 1024,
	}
}

type Deps struct {
	Store    store.Store
	Resolver auth.Resolver
	Presence presence.Tracker // optional
	Events   EventPublisher   // optional
	Metrics  *Metrics         // optional
	Logger   *logger.Logger   // optional
}

// Hub accepts authenticated websocket connections and routes their events.
type Hub struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Logger     *logger.Logger

	config   Config
	resolver auth.Resolver
	presence presence.Tracker
	metrics  *Metrics
	upgrader websocket.Upgrader

	// base context for store calls; not tied to any single connection
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	// every running connection, including superseded ones
	liveMu       sync.Mutex
	live         map[*Client]struct{}
	shuttingDown bool
}

// NewHub builds a hub from config and deps. Missing Logger and Presence
// fall back to no-op implementations.
func NewHub(config Config, deps Deps) *Hub {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	tracker := deps.Presence
	if tracker == nil {
		tracker = presence.Nop{}
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	registry := NewRegistry(log.WithField("part", "registry"), deps.Metrics)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		Registry:   registry,
		Dispatcher: NewDispatcher(deps.Store, registry, deps.Events, deps.Metrics, log.WithField("part", "dispatcher")),
		Logger:     log,
		config:     config,
		resolver:   deps.Resolver,
		presence:   tracker,
		metrics:    deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[*Client]struct{}),
	}
}

// track records c as running. It refuses once Shutdown has started.
func (h *Hub) track(c *Client) bool {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	if h.shuttingDown {
		return false
	}
	h.live[c] = struct{}{}
	h.conns.Add(1)
	return true
}

func (h *Hub) untrack(c *Client) {
	h.liveMu.Lock()
	delete(h.live, c)
	h.liveMu.Unlock()
	h.conns.Done()
}

// Shutdown stops every live connection and waits for their handlers to
// finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.liveMu.Lock()
	h.shuttingDown = true
	for c := range h.live {
		c.stop()
	}
	h.liveMu.Unlock()
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
