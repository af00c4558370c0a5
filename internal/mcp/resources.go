package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	connectionsURI   = "querydesk://connections"
	schemaURIPrefix  = "querydesk://connections/"
	schemaURISuffix  = "/schema"
	schemaURIPattern = schemaURIPrefix + "{connectionId}" + schemaURISuffix
)

func (s *Server) registerResources() {
	// ── querydesk://connections ────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		connectionsURI,
		"Saved Connections",
		mcp.WithMIMEType("application/json"),
	), s.handleConnectionsResource)

	// ── querydesk://connections/{connectionId}/schema ──
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			schemaURIPattern,
			"Connection Schema",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSchemaResource,
	)
}

func (s *Server) handleConnectionsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	conns, err := s.connectionSummaries(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResource(connectionsURI, conns)
}

func (s *Server) handleSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	connID := connectionIDFromURI(uri)
	if connID == "" {
		return nil, fmt.Errorf("could not extract connectionId from URI: %s", uri)
	}
	snap, err := s.conns.Schema(ctx, connID)
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, snap)
}

// connectionIDFromURI extracts the id from "querydesk://connections/{id}/schema".
func connectionIDFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, schemaURIPrefix)
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, schemaURISuffix)
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}
