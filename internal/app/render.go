package app

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"querydesk/internal/domain"
)

// newTable returns a table writer in the style every command uses.
func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

// renderRows prints result rows; it is called once per page.
func renderRows(w io.Writer, cols []domain.Column, rows [][]any) {
	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c.Name
	}
	t := newTable(w)
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = formatCell(v)
		}
		t.AppendRow(row)
	}
	t.Render()
}

func formatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}

// renderSummary prints the one-line outcome of an execution.
func renderSummary(w io.Writer, exec domain.QueryExecution) {
	switch exec.State {
	case domain.ExecutionCompleted:
		if exec.Kind == domain.StatementSelect || exec.RowCount > 0 {
			more := ""
			if exec.HasMore {
				more = "+"
			}
			_, _ = fmt.Fprintf(w, "(%d%s rows, %s)\n", exec.RowCount, more, exec.Duration().Round(time.Millisecond))
			return
		}
		_, _ = fmt.Fprintf(w, "OK, %d rows affected (%s)\n", exec.AffectedRows, exec.Duration().Round(time.Millisecond))
	default:
		_, _ = fmt.Fprintf(w, "%s: %s\n", exec.State, exec.Error)
	}
}

// renderHistory prints history entries as a table.
func renderHistory(w io.Writer, entries []domain.HistoryEntry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "(no history)")
		return
	}
	t := newTable(w, "ID", "When", "Connection", "State", "Rows", "ms", "Statement")
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.ExecutionID, e.SubmittedAt.Local().Format("2006-01-02 15:04:05"), e.ConnectionID,
			e.State, e.RowCount, e.DurationMs, e.Preview,
		})
	}
	t.Render()
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
