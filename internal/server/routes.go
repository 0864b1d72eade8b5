// Package server wires HTTP handlers into a ServeMux for the GoChat
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// The internal notification route is only mounted when a token guards it.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/healthz", s.HealthzHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/api/online", s.OnlineHandler)
	mux.HandleFunc("/test", s.TestPageHandler)

	if s.cfg.InternalToken != "" {
		mux.HandleFunc("/internal/messages", s.InternalMessagesHandler)
	}
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
