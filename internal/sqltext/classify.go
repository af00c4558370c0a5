package sqltext

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"querydesk/internal/domain"
)

var (
	ErrEmptyStatement = errors.New("empty statement")
	ErrNotAllowed     = errors.New("only SELECT queries are allowed")
	ErrMultiStatement = errors.New("multiple statements are not allowed")
)

// Split breaks text into statements on top-level semicolons, reading
// quotes and comments the way driver's server does. Statements holding
// nothing but comments or whitespace are dropped.
func Split(text string, driver domain.DatabaseDriver) []string {
	return split(text, dialectOf(driver))
}

func split(text string, d dialect) []string {
	var out []string
	start := 0
	words := 0
	flush := func(end int) {
		if words > 0 {
			if s := strings.TrimSpace(text[start:end]); s != "" {
				out = append(out, s)
			}
		}
		words = 0
	}
	for _, t := range lex(text, d) {
		switch t.kind {
		case tokSemicolon:
			flush(t.start)
			start = t.end
		case tokWord:
			words++
		}
	}
	flush(len(text))
	return out
}

var statementKinds = map[string]domain.StatementKind{
	"SELECT": domain.StatementSelect,
	"VALUES": domain.StatementSelect,
	"TABLE":  domain.StatementSelect,

	"INSERT":  domain.StatementDML,
	"UPDATE":  domain.StatementDML,
	"DELETE":  domain.StatementDML,
	"MERGE":   domain.StatementDML,
	"REPLACE": domain.StatementDML,
	"UPSERT":  domain.StatementDML,
	"COPY":    domain.StatementDML,
	"LOAD":    domain.StatementDML,

	"CREATE":   domain.StatementDDL,
	"ALTER":    domain.StatementDDL,
	"DROP":     domain.StatementDDL,
	"TRUNCATE": domain.StatementDDL,
	"RENAME":   domain.StatementDDL,
	"COMMENT":  domain.StatementDDL,

	"GRANT":  domain.StatementDCL,
	"REVOKE": domain.StatementDCL,

	"BEGIN":     domain.StatementTCL,
	"START":     domain.StatementTCL,
	"COMMIT":    domain.StatementTCL,
	"ROLLBACK":  domain.StatementTCL,
	"SAVEPOINT": domain.StatementTCL,
	"RELEASE":   domain.StatementTCL,

	"SHOW":     domain.StatementUtility,
	"DESCRIBE": domain.StatementUtility,
	"DESC":     domain.StatementUtility,
	"EXPLAIN":  domain.StatementUtility,
	"PRAGMA":   domain.StatementUtility,
	"USE":      domain.StatementUtility,
	"SET":      domain.StatementUtility,
	"CALL":     domain.StatementUtility,
	"ANALYZE":  domain.StatementUtility,
	"VACUUM":   domain.StatementUtility,
	"ATTACH":   domain.StatementUtility,
	"DETACH":   domain.StatementUtility,
}

// rowUtilities are utility statements that produce a result set.
var rowUtilities = map[string]bool{
	"SHOW": true, "DESCRIBE": true, "DESC": true, "EXPLAIN": true, "PRAGMA": true, "CALL": true,
}

var writeVerbs = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "REPLACE": true, "UPSERT": true,
}

// Classify returns the keyword class of a single statement. A text with
// more than one statement is a script.
func Classify(stmt string, driver domain.DatabaseDriver) domain.StatementKind {
	toks := lex(stmt, dialectOf(driver))
	if countStatements(toks) > 1 {
		return domain.StatementScript
	}
	return classifyTokens(toks)
}

func classifyTokens(toks []token) domain.StatementKind {
	first, ok := firstWord(toks)
	if !ok {
		return domain.StatementUnknown
	}
	if first == "WITH" {
		for _, t := range toks {
			if t.kind == tokWord && writeVerbs[t.text] {
				return domain.StatementDML
			}
		}
		first = "SELECT"
	}
	kind, ok := statementKinds[first]
	if !ok {
		return domain.StatementUnknown
	}
	// SELECT ... INTO creates a table (Postgres) or writes a file (MySQL).
	if kind == domain.StatementSelect && hasTopLevel(toks, "INTO") {
		return domain.StatementDML
	}
	return kind
}

// IsDDL reports whether any statement in text changes the schema.
func IsDDL(text string, driver domain.DatabaseDriver) bool {
	d := dialectOf(driver)
	for _, s := range split(text, d) {
		if classifyTokens(lex(s, d)) == domain.StatementDDL {
			return true
		}
	}
	return false
}

// ReturnsRows reports whether stmt is expected to produce a result set.
func ReturnsRows(stmt string, driver domain.DatabaseDriver) bool {
	toks := lex(stmt, dialectOf(driver))
	switch classifyTokens(toks) {
	case domain.StatementSelect:
		return true
	case domain.StatementDML:
		return hasTopLevel(toks, "RETURNING")
	case domain.StatementUtility:
		first, _ := firstWord(toks)
		return rowUtilities[first]
	}
	return false
}

// ValidateReadOnly accepts exactly one SELECT (or WITH ... SELECT). The text
// must read as a single SELECT whether or not backslashes escape quotes.
// For the Postgres family the statement must also parse as a single
// SelectStmt.
func ValidateReadOnly(text string, driver domain.DatabaseDriver) error {
	d := dialectOf(driver)
	alt := d
	alt.backslashEscapes = !d.backslashEscapes
	for _, dd := range []dialect{d, alt} {
		if err := singleSelect(text, dd); err != nil {
			return err
		}
	}
	if driver.PostgresFamily() {
		stmts := split(text, d)
		if err := validatePostgresSelect(stmts[0]); err != nil {
			return domain.NewStatementRejectedError(err.Error())
		}
	}
	return nil
}

func singleSelect(text string, d dialect) error {
	stmts := split(text, d)
	switch {
	case len(stmts) == 0:
		return domain.NewStatementRejectedError(ErrEmptyStatement.Error())
	case len(stmts) > 1:
		return domain.NewStatementRejectedError(ErrMultiStatement.Error())
	}
	if classifyTokens(lex(stmts[0], d)) != domain.StatementSelect {
		return domain.NewStatementRejectedError(ErrNotAllowed.Error())
	}
	return nil
}

// ApplyRowLimit appends a LIMIT clause to a SELECT that has none.
func ApplyRowLimit(stmt string, limit int, driver domain.DatabaseDriver) string {
	if limit <= 0 {
		return stmt
	}
	toks := lex(stmt, dialectOf(driver))
	if classifyTokens(toks) != domain.StatementSelect || countStatements(toks) > 1 {
		return stmt
	}
	if hasTopLevel(toks, "LIMIT") || hasTopLevel(toks, "FETCH") {
		return stmt
	}
	trimmed := strings.TrimRight(strings.TrimSpace(stmt), ";")
	return fmt.Sprintf("%s\nLIMIT %d", strings.TrimSpace(trimmed), limit)
}

var fenceRe = regexp.MustCompile("(?i)```(?:sql)?")

// CleanGenerated strips markdown fences from machine-written SQL and keeps
// it only if it starts as a query.
func CleanGenerated(text string) (string, error) {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
	first, ok := firstWord(lex(cleaned, dialect{}))
	if !ok {
		return "", domain.NewStatementRejectedError(ErrEmptyStatement.Error())
	}
	if first != "SELECT" && first != "WITH" {
		return "", domain.NewStatementRejectedError("generated query is restricted to SELECT statements")
	}
	return cleaned, nil
}

func firstWord(toks []token) (string, bool) {
	for _, t := range toks {
		if t.kind == tokWord {
			return t.text, true
		}
	}
	return "", false
}

func hasTopLevel(toks []token, word string) bool {
	for _, t := range toks {
		if t.kind == tokWord && t.depth == 0 && t.text == word {
			return true
		}
	}
	return false
}

func countStatements(toks []token) int {
	n := 0
	words := 0
	for _, t := range toks {
		switch t.kind {
		case tokWord:
			words++
		case tokSemicolon:
			if words > 0 {
				n++
			}
			words = 0
		}
	}
	if words > 0 {
		n++
	}
	return n
}
