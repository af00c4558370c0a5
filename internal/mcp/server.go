// Package mcpserver exposes saved connections, schemas and read-only query
// execution to AI agents over the Model Context Protocol.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"querydesk/internal/service"
)

// Server is the MCP server for querydesk.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger

	profiles *service.ProfileService
	conns    *service.ConnectionManager
	engine   *service.Engine
	history  *service.HistoryService
}

// Deps holds the services the tools call.
type Deps struct {
	Profiles *service.ProfileService
	Conns    *service.ConnectionManager
	Engine   *service.Engine
	History  *service.HistoryService
	Logger   *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources
// and prompts.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		logger:   logger.With(slog.String("component", "mcp")),
		profiles: deps.Profiles,
		conns:    deps.Conns,
		engine:   deps.Engine,
		history:  deps.History,
	}

	s.mcp = server.NewMCPServer(
		"querydesk-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerConnectionTools()
	s.registerQueryTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server, for tests and other transports.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// errorResult reports a domain failure as a tool error; the protocol call
// itself succeeds.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: err.Error()},
		},
	}
}

// jsonResource wraps v as a single JSON resource body.
func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
