package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"querydesk/internal/domain"
	"querydesk/internal/secret"
	"querydesk/internal/service"
	"querydesk/internal/storage"
	"querydesk/internal/testutil"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	db, err := storage.New(storage.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	salt, _ := secret.NewSalt()
	vault, err := secret.NewVault([]byte("mcp test"), salt)
	if err != nil {
		t.Fatal(err)
	}
	logger := testutil.NewLogger(t)
	profiles := storage.NewProfileStore(db)
	conns := service.NewConnectionManager(profiles, vault, service.NewSchemaCache(), service.ManagerOptions{Logger: logger})
	history := service.NewHistoryService(storage.NewHistoryStore(db), nil, logger)
	engine := service.NewEngine(conns, service.NewMaterializer(service.MaterializerOptions{Logger: logger}), history,
		service.EngineOptions{Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = history.Close(ctx)
		_ = conns.CloseAll(ctx)
	})

	profileSvc := service.NewProfileService(profiles, vault, conns, logger)
	p, err := profileSvc.Create(context.Background(), service.ProfileInput{
		Name: "shop", Driver: "sqlite", Host: filepath.Join(t.TempDir(), "shop.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	s := New(Deps{Profiles: profileSvc, Conns: conns, Engine: engine, History: history, Logger: logger})
	if _, err := conns.Open(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		"CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO items (name) VALUES ('a'), ('b'), ('c')",
	} {
		id, err := engine.Submit(context.Background(), service.SubmitRequest{SessionID: "setup", ConnectionID: p.ID, Statement: stmt})
		if err != nil {
			t.Fatal(err)
		}
		exec, err := engine.Wait(context.Background(), id)
		if err != nil || exec.State != domain.ExecutionCompleted {
			t.Fatalf("setup %q: %v %+v", stmt, err, exec)
		}
	}
	return s, p.ID
}

func call(t *testing.T, h toolHandler, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("tool call failed: %v", err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestListConnections(t *testing.T) {
	s, id := newTestServer(t)

	var got []connectionSummary
	if err := json.Unmarshal([]byte(text(t, call(t, s.handleListConnections, nil))), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Driver != domain.DatabaseDriverSQLite {
		t.Fatalf("unexpected connections: %+v", got)
	}
	if !got[0].Open {
		t.Error("setup statements should have left the connection open")
	}
}

func TestRunQueryAndPages(t *testing.T) {
	s, id := newTestServer(t)

	res := call(t, s.handleRunQuery, map[string]any{
		"connectionId": id,
		"query":        "```sql\nSELECT name FROM items ORDER BY id\n```",
		"pageSize":     2,
	})
	if res.IsError {
		t.Fatalf("run_query failed: %s", text(t, res))
	}
	var out queryOutcome
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Execution.State != domain.ExecutionCompleted || !out.Execution.ReadOnly {
		t.Fatalf("unexpected execution: %+v", out.Execution)
	}
	if out.Page == nil || len(out.Page.Rows) != 2 || !out.Page.HasMore {
		t.Fatalf("unexpected first page: %+v", out.Page)
	}

	var page domain.ResultPage
	res = call(t, s.handleGetPage, map[string]any{"executionId": out.Execution.ID, "page": 1, "pageSize": 2})
	if err := json.Unmarshal([]byte(text(t, res)), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Rows) != 1 || page.Rows[0][0] != "c" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	res = call(t, s.handleGetPage, map[string]any{"executionId": out.Execution.ID, "page": 4, "pageSize": 2})
	if !res.IsError || !strings.Contains(text(t, res), string(domain.KindPageOutOfRange)) {
		t.Errorf("expected PageOutOfRange, got %q", text(t, res))
	}
}

func TestRunQueryRejectsWrites(t *testing.T) {
	s, id := newTestServer(t)

	for _, q := range []string{"DELETE FROM items", "SELECT 1; DROP TABLE items", ""} {
		res := call(t, s.handleRunQuery, map[string]any{"connectionId": id, "query": q})
		if !res.IsError || !strings.Contains(text(t, res), string(domain.KindStatementRejected)) {
			t.Errorf("query %q: expected StatementRejected, got %q", q, text(t, res))
		}
	}

	res := call(t, s.handleRunQuery, map[string]any{"connectionId": "missing", "query": "SELECT 1"})
	if !res.IsError || !strings.Contains(text(t, res), string(domain.KindNoSuchConnection)) {
		t.Errorf("expected NoSuchConnection, got %q", text(t, res))
	}
}

func TestRunQueryReportsServerError(t *testing.T) {
	s, id := newTestServer(t)

	res := call(t, s.handleRunQuery, map[string]any{"connectionId": id, "query": "SELECT * FROM nowhere"})
	var out queryOutcome
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Execution.State != domain.ExecutionFailed || out.Page != nil {
		t.Fatalf("expected a failed execution without a page, got %+v", out)
	}
}

func TestQueryHistory(t *testing.T) {
	s, id := newTestServer(t)
	call(t, s.handleRunQuery, map[string]any{"connectionId": id, "query": "SELECT count(*) FROM items"})
	if err := s.history.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	var entries []domain.HistoryEntry
	res := call(t, s.handleQueryHistory, map[string]any{"search": "count(*)", "state": "Completed"})
	if err := json.Unmarshal([]byte(text(t, res)), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ConnectionID != id {
		t.Fatalf("unexpected history: %+v", entries)
	}

	res = call(t, s.handleQueryHistory, map[string]any{"state": "Running"})
	if !res.IsError {
		t.Error("non-terminal state filter should be rejected")
	}
}

func TestCancelQueryUnknown(t *testing.T) {
	s, _ := newTestServer(t)
	res := call(t, s.handleCancelQuery, map[string]any{"executionId": "nope"})
	if !res.IsError || !strings.Contains(text(t, res), string(domain.KindNoSuchExecution)) {
		t.Errorf("expected NoSuchExecution, got %q", text(t, res))
	}
}

func TestSchemaResourceAndPrompt(t *testing.T) {
	s, id := newTestServer(t)
	ctx := context.Background()

	var req mcp.ReadResourceRequest
	req.Params.URI = "querydesk://connections/" + id + "/schema"
	contents, err := s.handleSchemaResource(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	body := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(body, `"items"`) {
		t.Errorf("schema resource should list items: %s", body)
	}

	var preq mcp.GetPromptRequest
	preq.Params.Arguments = map[string]string{"connectionId": id, "question": "How many items?"}
	prompt, err := s.handleSQLAssistantPrompt(ctx, preq)
	if err != nil {
		t.Fatal(err)
	}
	msg := prompt.Messages[0].Content.(mcp.TextContent).Text
	if !strings.Contains(msg, "- items(id INTEGER PK, name TEXT)") || !strings.Contains(msg, "How many items?") {
		t.Errorf("prompt is missing schema or question:\n%s", msg)
	}
}

func TestConnectionIDFromURI(t *testing.T) {
	tests := map[string]string{
		"querydesk://connections/abc/schema":   "abc",
		"querydesk://connections/abc":          "",
		"querydesk://connections/a/b/schema":   "",
		"notes://connections/abc/schema":       "",
		"querydesk://connections/x-1-y/schema": "x-1-y",
	}
	for uri, want := range tests {
		if got := connectionIDFromURI(uri); got != want {
			t.Errorf("connectionIDFromURI(%q) = %q, want %q", uri, got, want)
		}
	}
}
