package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nucleus-ai/nucleus/internal/auth"
	"github.com/nucleus-ai/nucleus/internal/model"
	"github.com/nucleus-ai/nucleus/internal/service/health"
	"github.com/nucleus-ai/nucleus/internal/service/lifecycle"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/service/spawner"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// Server is the Nucleus HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Scorer   *health.Scorer
	Engine   *lifecycle.Engine
	Detector *needs.Detector
	Spawner  *spawner.Spawner
	Logger   *slog.Logger

	// Optional: MCP tool surface (nil = disabled).
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Scorer:              cfg.Scorer,
		Engine:              cfg.Engine,
		Detector:            cfg.Detector,
		Spawner:             cfg.Spawner,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Reads: any authenticated role.
	readRole := requireRole(model.RoleAdmin, model.RoleOperator, model.RoleReadonly)
	mux.Handle("GET /v1/agents/{agent_id}/health", readRole(http.HandlerFunc(h.HandleGetAgentHealth)))
	mux.Handle("GET /v1/agents/{agent_id}/health/history", readRole(http.HandlerFunc(h.HandleHealthHistory)))
	mux.Handle("GET /v1/health/summary", readRole(http.HandlerFunc(h.HandleHealthSummary)))
	mux.Handle("GET /v1/needs", readRole(http.HandlerFunc(h.HandleListNeeds)))

	// Calculation and detection: operator or admin.
	writeRole := requireRole(model.RoleAdmin, model.RoleOperator)
	mux.Handle("POST /v1/health/calculate", writeRole(http.HandlerFunc(h.HandleCalculateHealth)))
	mux.Handle("POST /v1/needs/detect", writeRole(http.HandlerFunc(h.HandleDetectNeeds)))

	// State-changing lifecycle actions: admin only.
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/lifecycle/evaluate", adminOnly(http.HandlerFunc(h.HandleEvaluate)))
	mux.Handle("POST /v1/agents/spawn", adminOnly(http.HandlerFunc(h.HandleSpawnAgent)))
	mux.Handle("POST /v1/needs/auto-spawn", adminOnly(http.HandlerFunc(h.HandleAutoSpawn)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Liveness (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
