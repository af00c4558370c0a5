package sqltext

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// validatePostgresSelect parses stmt with PostgreSQL's own parser and
// rejects anything that is not a single plain SELECT. This catches
// data-modifying CTEs and SELECT ... INTO that keyword checks can miss.
func validatePostgresSelect(stmt string) error {
	tree, err := pg_query.Parse(stmt)
	if err != nil {
		return fmt.Errorf("failed to parse SQL: %w", err)
	}
	if len(tree.Stmts) == 0 {
		return ErrEmptyStatement
	}
	if len(tree.Stmts) > 1 {
		return ErrMultiStatement
	}
	node := tree.Stmts[0].Stmt
	if node == nil {
		return ErrEmptyStatement
	}
	sel, ok := node.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return ErrNotAllowed
	}
	if sel.SelectStmt.IntoClause != nil {
		return ErrNotAllowed
	}
	if wc := sel.SelectStmt.WithClause; wc != nil {
		for _, cte := range wc.Ctes {
			c := cte.GetCommonTableExpr()
			if c == nil || c.Ctequery == nil {
				continue
			}
			if _, ok := c.Ctequery.Node.(*pg_query.Node_SelectStmt); !ok {
				return ErrNotAllowed
			}
		}
	}
	return nil
}
