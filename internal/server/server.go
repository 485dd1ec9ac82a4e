package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/chat"
	"github.com/Tyrowin/cipherroom/internal/config"
	"github.com/Tyrowin/cipherroom/internal/keyexchange"
	"github.com/Tyrowin/cipherroom/internal/relay"
	"github.com/Tyrowin/cipherroom/internal/session"
)

// Server wires the hub, relay and registries behind the HTTP routes.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	keys     *keyexchange.KeyPair
	hub      *Hub
	relay    *relay.Relay
	rooms    *chat.Manager
	sessions *session.Registry
	origins  *originPolicy
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New builds a Server from cfg using keys as the long-lived RSA key pair.
func New(cfg config.Config, keys *keyexchange.KeyPair, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = config.Sanitize(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := session.NewRegistry()
	rooms := chat.NewManager(chat.WithLogger(logger.Named("rooms")))
	hub := NewHub(nil, ClientSettings{
		MaxMessageSize:   cfg.MaxMessageSize,
		RateLimit:        cfg.RateLimit,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, NewMetrics(reg), logger.Named("hub"))

	r := relay.New(
		keyexchange.NewHandler(keys, sessions, logger.Named("keys")),
		sessions,
		rooms,
		hub,
		relay.WithMetrics(relay.NewMetrics(reg)),
		relay.WithLogger(logger.Named("relay")),
	)
	hub.dispatcher = r

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		keys:     keys,
		hub:      hub,
		relay:    r,
		rooms:    rooms,
		sessions: sessions,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		registry: reg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and, when empty-room reclamation is enabled, the
// janitor. Call it once before serving requests.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started")

	if s.cfg.EmptyRoomTTL <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitor = cancel
	s.janitorDone = make(chan struct{})
	go func() {
		defer close(s.janitorDone)
		s.relay.RunJanitor(ctx, s.cfg.EmptyRoomTTL/2, s.cfg.EmptyRoomTTL)
	}()
	s.logger.Info("empty room janitor started", zap.Duration("ttl", s.cfg.EmptyRoomTTL))
}

// Shutdown stops the janitor and closes every connection, waiting up to
// timeout for client goroutines to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.stopJanitor != nil {
		s.stopJanitor()
		<-s.janitorDone
	}
	return s.hub.Shutdown(timeout)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.SetupRoutes()
}
