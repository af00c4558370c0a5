package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"querydesk/internal/domain"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("sql_assistant",
		mcp.WithPromptDescription("Answer a question about a database by writing and running read-only SQL"),
		mcp.WithArgument("connectionId",
			mcp.ArgumentDescription("Connection to query"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("What you want to know"),
			mcp.RequiredArgument(),
		),
	), s.handleSQLAssistantPrompt)
}

func (s *Server) handleSQLAssistantPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	connID := req.Params.Arguments["connectionId"]
	question := req.Params.Arguments["question"]
	if connID == "" {
		return nil, fmt.Errorf("connectionId is required")
	}
	snap, err := s.conns.Schema(ctx, connID)
	if err != nil {
		return nil, err
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Answer: %s", question),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this question using the database behind connection %q:

%s

The schema is:

%s
Follow these steps:

1. Write one SELECT statement that answers the question. Only SELECT and WITH queries are accepted.
2. Run it with run_query (connectionId %q). Set rowLimit when you only need a sample.
3. If the result has more pages, fetch them with get_page using the same pageSize.
4. If the query fails, read the error kind, fix the SQL and try again. Use describe_schema with refresh=true if a table seems to be missing.
5. Answer in plain language and show the SQL you ran.`, connID, question, describeSchema(snap), connID),
				},
			},
		},
	}, nil
}

// describeSchema renders a snapshot as one line per table.
func describeSchema(snap *domain.SchemaSnapshot) string {
	if snap == nil || len(snap.Tables) == 0 {
		return "(no tables)\n"
	}
	var b strings.Builder
	for _, t := range snap.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.Type
			if c.PrimaryKey {
				cols[i] += " PK"
			}
		}
		fmt.Fprintf(&b, "- %s(%s)\n", t.Name, strings.Join(cols, ", "))
	}
	for _, fk := range snap.ForeignKeys {
		fmt.Fprintf(&b, "- %s.%s references %s.%s\n", fk.Table, fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
	}
	return b.String()
}
