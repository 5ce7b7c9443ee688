package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/rakunlabs/ada"

	"github.com/mhismail3/tron/internal/config"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

type Server struct {
	config config.Server

	server   *ada.Server
	registry *Registry
	hub      *Hub
}

// New builds the HTTP server: the persistent websocket RPC channel
// plus a small HTTP surface for health and method discovery.
func New(ctx context.Context, cfg config.Server, managers *Managers) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	registry := NewRegistry(managers)
	RegisterSessionMethods(registry)
	RegisterAgentMethods(registry)
	RegisterContextMethods(registry)
	RegisterSearchMethods(registry)
	RegisterTaskMethods(registry)
	RegisterSystemMethods(registry)

	hub := NewHub(registry, cfg.PushBuffer)

	s := &Server{
		config:   cfg,
		server:   mux,
		registry: registry,
		hub:      hub,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	// Persistent bidirectional RPC channel.
	baseGroup.Handle("/ws", hub)

	apiGroup := baseGroup.Group("/api")
	apiGroup.GET("/v1/health", s.HealthAPI)
	apiGroup.GET("/v1/methods", s.MethodsAPI)

	return s, nil
}

// Hub exposes the push sink for orchestrator wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// HealthAPI answers liveness probes.
func (s *Server) HealthAPI(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

// MethodsAPI lists the registered RPC surface.
func (s *Server) MethodsAPI(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, map[string]any{"methods": s.registry.Methods()}, http.StatusOK)
}
