// Package server implements the HTTP server functionality for the GoChat server.
package server

import (
	"net/http"

	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server holds the HTTP-facing state: the hub, the websocket upgrader and the
// metrics gatherer served on /metrics.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewServer creates the HTTP layer over hub. gatherer may be nil, in which
// case /metrics is not mounted.
func NewServer(cfg Config, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	cfg = cfg.Sanitize()
	logger = logging.OrNop(logger).Named("http")
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Server{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		gatherer: gatherer,
		log:      logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s)
}
