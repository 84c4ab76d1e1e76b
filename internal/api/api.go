// internal/api/api.go
// Wires backends, the hub and the HTTP routes into a runnable server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/erilali/chatserver/internal/auth"
	"github.com/erilali/chatserver/internal/config"
	"github.com/erilali/chatserver/internal/hub"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/presence"
	"github.com/erilali/chatserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout     = 15 * time.Second
	connectTimeout      = 10 * time.Second
	healthCheckTimeout  = 2 * time.Second
	publishDrainTimeout = 5 * time.Second
	version             = "1.0.0"
)

// Server owns every long-lived resource of a running chat server.
type Server struct {
	Hub *hub.Hub

	config   config.Config
	log      *logger.Logger
	router   chi.Router
	registry *prometheus.Registry

	store    store.Store
	postgres *store.Postgres
	nc       *nats.Conn
	js       nats.JetStreamContext
	redis    *presence.Redis
}

// NewServer connects the configured backends and builds the router.
// Postgres is required when a database URL is set; NATS and Redis are
// optional and the server runs without them if they cannot be reached.
func NewServer(ctx context.Context, cfg config.Config, log *logger.Logger) (*Server, error) {
	s := &Server{
		config:   cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := s.connectStore(connectCtx); err != nil {
		return nil, err
	}
	s.connectNATS()
	s.connectRedis(connectCtx)

	deps := hub.Deps{
		Store: s.store,
		Resolver: auth.NewJWTResolver(auth.Options{
			Secret:           []byte(cfg.JWTSecret),
			Alg:              cfg.JWTAlg,
			AllowQueryUserID: cfg.AllowQueryUserID,
		}),
		Metrics: hub.NewMetrics(s.registry),
		Logger:  log.WithField("part", "hub"),
	}
	if s.redis != nil {
		deps.Presence = s.redis
	}
	if s.js != nil {
		deps.Events = hub.NewJetStreamPublisher(s.js)
	}
	s.Hub = hub.NewHub(HubConfig(cfg), deps)
	s.router = s.routes()
	return s, nil
}

// HubConfig maps the file/env configuration onto the hub's settings.
func HubConfig(cfg config.Config) hub.Config {
	return hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
		SendBuffer:        cfg.SendBuffer,
		ReadLimit:         cfg.ReadLimit,
		EvictSuperseded:   cfg.EvictSuperseded,
	}
}

func (s *Server) connectStore(ctx context.Context) error {
	if s.config.DatabaseURL == "" {
		s.log.Warn("No database configured. Messages are kept in memory and lost on restart.")
		s.store = store.NewMemory()
		return nil
	}
	pg, err := store.NewPostgres(ctx, s.config.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect store")
	}
	s.log.Info("Successfully connected to Postgres")
	s.postgres = pg
	s.store = pg
	return nil
}

func (s *Server) connectNATS() {
	if s.config.NatsURL == "" {
		s.log.Info("NATS not configured, event mirroring disabled")
		return
	}
	s.log.Infof("Connecting to NATS at %s", s.config.NatsURL)
	nc, err := nats.Connect(s.config.NatsURL,
		nats.Name("chatserver"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		s.log.Errorf("Error connecting to NATS: %v", err)
		s.log.Warn("Running without NATS connection. Event mirroring will be disabled.")
		return
	}
	s.log.Info("Successfully connected to NATS")

	js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, m *nats.Msg, err error) {
		s.log.Errorf("Async publish to %s failed: %v", m.Subject, err)
	}))
	if err != nil {
		s.log.Errorf("Error getting JetStream context: %v", err)
		s.log.Warn("Running without JetStream. Event mirroring will be disabled.")
		s.nc = nc
		return
	}
	if err := hub.EnsureChatStream(js, s.log); err != nil {
		s.log.Errorf("Error preparing chat stream: %v", err)
		s.log.Warn("Running without JetStream. Event mirroring will be disabled.")
		s.nc = nc
		return
	}
	s.log.Info("Successfully connected to JetStream")
	s.nc = nc
	s.js = js
}

func (s *Server) connectRedis(ctx context.Context) {
	if s.config.RedisAddr == "" {
		return
	}
	r, err := presence.NewRedis(ctx, s.config.RedisAddr, s.config.PresenceTTL.Std())
	if err != nil {
		s.log.Errorf("Error connecting to Redis: %v", err)
		s.log.Warn("Running without presence mirroring.")
		return
	}
	s.log.Infof("Presence mirrored to Redis at %s", s.config.RedisAddr)
	s.redis = r
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.Hub.ServeWs)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	health := map[string]interface{}{
		"status":   "ok",
		"version":  version,
		"sessions": s.Hub.Registry.Count(),
	}

	switch {
	case s.postgres == nil:
		health["database"] = "memory"
	case s.postgres.Ping(ctx) != nil:
		health["database"] = "disconnected"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	default:
		health["database"] = "connected"
	}

	natsStatus := "disabled"
	if s.nc != nil {
		natsStatus = "disconnected"
		if s.nc.Status() == nats.CONNECTED {
			natsStatus = "connected"
		}
	}
	health["nats"] = natsStatus
	if s.js != nil {
		if info, err := s.js.StreamInfo(hub.ChatStream); err == nil {
			health["jetstream"] = map[string]interface{}{
				"stream":    info.Config.Name,
				"messages":  info.State.Msgs,
				"bytes":     info.State.Bytes,
				"retention": info.Config.MaxAge.String(),
			}
		} else {
			health["jetstream"] = map[string]interface{}{"error": err.Error()}
		}
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "connected"
		if err := s.redis.Ping(ctx); err != nil {
			redisStatus = "disconnected"
		}
	}
	health["redis"] = redisStatus

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.log.Errorf("Error writing health response: %v", err)
	}
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Server started at %s", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// websocket connections are hijacked, so http.Server.Shutdown does not wait for them
	if err := s.Hub.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("Hub shutdown: %v", err)
	}
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	s.log.Info("Server stopped")
	return nil
}

// Close releases backend connections. Pending JetStream publishes get a
// short grace period.
func (s *Server) Close() {
	if s.js != nil {
		select {
		case <-s.js.PublishAsyncComplete():
		case <-time.After(publishDrainTimeout):
			s.log.Warn("Timed out waiting for pending NATS publishes")
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.log.Warnf("NATS drain: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warnf("Redis close: %v", err)
		}
	}
	if s.postgres != nil {
		s.postgres.Close()
	}
}
