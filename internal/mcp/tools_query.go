package mcpserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"querydesk/internal/domain"
	"querydesk/internal/service"
	"querydesk/internal/sqltext"
)

const (
	agentSession       = "mcp"
	defaultAgentPage   = 50
	defaultAgentWait   = 30 * time.Second
	defaultHistorySize = 20
	maxHistorySize     = 200
)

func (s *Server) registerQueryTools() {
	s.mcp.AddTool(mcp.NewTool("run_query",
		mcp.WithDescription("Run one read-only SELECT against a connection, opening it if needed, and return its first page of rows"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithString("query", mcp.Description("A single SELECT statement"), mcp.Required()),
		mcp.WithString("sessionId", mcp.Description("Session to run in; a newer query in the same session cancels an older one (default \"mcp\")")),
		mcp.WithNumber("pageSize", mcp.Description("Rows per page (default 50)")),
		mcp.WithNumber("rowLimit", mcp.Description("Maximum rows the query may return")),
		mcp.WithNumber("timeoutSeconds", mcp.Description("Cancel the query after this many seconds (default 30)")),
	), s.handleRunQuery)

	s.mcp.AddTool(mcp.NewTool("get_page",
		mcp.WithDescription("Fetch another page of a completed query"),
		mcp.WithString("executionId", mcp.Description("Execution ID returned by run_query"), mcp.Required()),
		mcp.WithNumber("page", mcp.Description("Zero-based page index"), mcp.Required()),
		mcp.WithNumber("pageSize", mcp.Description("Rows per page; must match the size used for earlier pages")),
	), s.handleGetPage)

	s.mcp.AddTool(mcp.NewTool("cancel_query",
		mcp.WithDescription("Cancel a queued or running query"),
		mcp.WithString("executionId", mcp.Description("Execution ID"), mcp.Required()),
	), s.handleCancelQuery)

	s.mcp.AddTool(mcp.NewTool("query_history",
		mcp.WithDescription("Search previously executed statements, newest first"),
		mcp.WithString("connectionId", mcp.Description("Only statements run on this connection")),
		mcp.WithString("search", mcp.Description("Substring the statement must contain")),
		mcp.WithString("state", mcp.Description("Completed, Failed or Cancelled")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (default 20, max 200)")),
	), s.handleQueryHistory)
}

// queryOutcome is the run_query result: the final status plus the first
// page when the query completed.
type queryOutcome struct {
	Execution domain.QueryExecution `json:"execution"`
	Page      *domain.ResultPage    `json:"page,omitempty"`
}

func (s *Server) handleRunQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID := req.GetString("connectionId", "")
	if connID == "" {
		return errorResult(domain.Errorf(domain.KindInvalidRequest, "connectionId is required")), nil
	}
	stmt, err := sqltext.CleanGenerated(req.GetString("query", ""))
	if err != nil {
		return errorResult(err), nil
	}
	if _, err := s.conns.Open(ctx, connID); err != nil {
		return errorResult(err), nil
	}

	wait := defaultAgentWait
	if secs := req.GetInt("timeoutSeconds", 0); secs > 0 {
		wait = time.Duration(secs) * time.Second
	}

	id, err := s.engine.Submit(ctx, service.SubmitRequest{
		SessionID:    req.GetString("sessionId", agentSession),
		ConnectionID: connID,
		Statement:    stmt,
		ReadOnly:     true,
		RowLimit:     req.GetInt("rowLimit", 0),
		Timeout:      wait,
	})
	if err != nil {
		return errorResult(err), nil
	}
	s.logger.Debug("agent query submitted", slog.String("execution", id), slog.String("query", truncate(stmt, 100)))

	exec, err := s.engine.Wait(ctx, id)
	if err != nil {
		s.engine.Cancel(id)
		return errorResult(err), nil
	}
	out := queryOutcome{Execution: exec}
	if exec.State == domain.ExecutionCompleted {
		page, err := s.engine.GetPage(ctx, id, 0, req.GetInt("pageSize", defaultAgentPage))
		if err != nil {
			return errorResult(err), nil
		}
		out.Page = page
	}
	return jsonResult(out)
}

func (s *Server) handleGetPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("executionId", "")
	if id == "" {
		return errorResult(domain.Errorf(domain.KindInvalidRequest, "executionId is required")), nil
	}
	page, err := s.engine.GetPage(ctx, id, req.GetInt("page", 0), req.GetInt("pageSize", 0))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(page)
}

func (s *Server) handleCancelQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("executionId", "")
	if _, err := s.engine.Status(id); err != nil {
		return errorResult(err), nil
	}
	if !s.engine.Cancel(id) {
		return textResult("Execution already finished"), nil
	}
	return textResult("Cancellation requested"), nil
}

func (s *Server) handleQueryHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := domain.HistoryFilter{
		ConnectionID: req.GetString("connectionId", ""),
		Search:       req.GetString("search", ""),
		Limit:        min(max(req.GetInt("limit", defaultHistorySize), 1), maxHistorySize),
	}
	if st := domain.ExecutionState(req.GetString("state", "")); st != "" {
		if !st.Terminal() {
			return errorResult(domain.Errorf(domain.KindInvalidRequest, "state must be Completed, Failed or Cancelled")), nil
		}
		f.States = []domain.ExecutionState{st}
	}
	entries, err := service.Collect(s.history.Query(ctx, f))
	if err != nil {
		return errorResult(err), nil
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return jsonResult(entries)
}
