package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

func (s *Server) registerConnectionTools() {
	s.mcp.AddTool(mcp.NewTool("list_connections",
		mcp.WithDescription("List saved database connections and whether each one is open"),
	), s.handleListConnections)

	s.mcp.AddTool(mcp.NewTool("describe_schema",
		mcp.WithDescription("Get tables, columns and foreign keys of a connection's current schema"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithBoolean("refresh", mcp.Description("Re-read the catalog instead of using the cached snapshot")),
	), s.handleDescribeSchema)
}

// connectionSummary is what agents see of a profile. Credentials never leave
// the vault.
type connectionSummary struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Driver   domain.DatabaseDriver `json:"driver"`
	Host     string                `json:"host"`
	Database string                `json:"database,omitempty"`
	Open     bool                  `json:"open"`
	Running  int                   `json:"running"`
}

func (s *Server) connectionSummaries(ctx context.Context) ([]connectionSummary, error) {
	profiles, err := s.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	open := make(map[string]service.HandleStatus)
	for _, h := range s.conns.Handles() {
		open[h.ProfileID] = h
	}
	out := make([]connectionSummary, 0, len(profiles))
	for _, p := range profiles {
		h, ok := open[p.ID]
		out = append(out, connectionSummary{
			ID:       p.ID,
			Name:     p.Name,
			Driver:   p.Driver,
			Host:     p.Host,
			Database: p.Database,
			Open:     ok,
			Running:  h.Refs,
		})
	}
	return out, nil
}

func (s *Server) handleListConnections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conns, err := s.connectionSummaries(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(conns)
}

func (s *Server) handleDescribeSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID := req.GetString("connectionId", "")
	if connID == "" {
		return errorResult(domain.Errorf(domain.KindInvalidRequest, "connectionId is required")), nil
	}
	var (
		snap *domain.SchemaSnapshot
		err  error
	)
	if req.GetBool("refresh", false) {
		snap, err = s.conns.RefreshSchema(ctx, connID)
	} else {
		snap, err = s.conns.Schema(ctx, connID)
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(snap)
}
