// Package mcp implements the Model Context Protocol server for Nucleus.
//
// The MCP server exposes the lifecycle subsystem's capabilities as tools,
// allowing MCP-compatible AI agents to inspect fleet health, run
// evaluations, and fulfill detected needs through the same service layer
// as the HTTP API.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nucleus-ai/nucleus/internal/config"
	"github.com/nucleus-ai/nucleus/internal/service/health"
	"github.com/nucleus-ai/nucleus/internal/service/lifecycle"
	"github.com/nucleus-ai/nucleus/internal/service/needs"
	"github.com/nucleus-ai/nucleus/internal/service/spawner"
	"github.com/nucleus-ai/nucleus/internal/storage"
)

// Server wraps the MCP server with Nucleus's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	scorer    *health.Scorer
	engine    *lifecycle.Engine
	detector  *needs.Detector
	spawner   *spawner.Spawner
	policy    config.Policy
	logger    *slog.Logger
}

// Deps holds the services the MCP tools delegate to.
type Deps struct {
	DB       *storage.DB
	Scorer   *health.Scorer
	Engine   *lifecycle.Engine
	Detector *needs.Detector
	Spawner  *spawner.Spawner
	Policy   config.Policy
	Logger   *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(deps Deps, version string) *Server {
	s := &Server{
		db:       deps.DB,
		scorer:   deps.Scorer,
		engine:   deps.Engine,
		detector: deps.Detector,
		spawner:  deps.Spawner,
		policy:   deps.Policy,
		logger:   deps.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"nucleus",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
