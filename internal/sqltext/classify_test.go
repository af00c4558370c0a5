package sqltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/domain"
)

func TestSplit(t *testing.T) {
	const (
		mysql    = domain.DatabaseDriverMySQL
		postgres = domain.DatabaseDriverPostgres
		sqlite   = domain.DatabaseDriverSQLite
	)
	tests := []struct {
		name   string
		driver domain.DatabaseDriver
		in     string
		want   []string
	}{
		{"single", sqlite, "SELECT 1", []string{"SELECT 1"}},
		{"trailing semicolon", sqlite, "SELECT 1;", []string{"SELECT 1"}},
		{"two", sqlite, "SELECT 1; SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"semicolon in string", sqlite, "SELECT 'a;b'; SELECT 2", []string{"SELECT 'a;b'", "SELECT 2"}},
		{"escaped quote", sqlite, "SELECT 'it''s;'; SELECT 2", []string{"SELECT 'it''s;'", "SELECT 2"}},
		{"mysql backslash escape", mysql, `SELECT 'a\';b'; SELECT 2`, []string{`SELECT 'a\';b'`, "SELECT 2"}},
		{"mysql backslash in double quotes", mysql, `SELECT "a\";b"; SELECT 2`, []string{`SELECT "a\";b"`, "SELECT 2"}},
		{"sqlite backslash is literal", sqlite, `SELECT '\'; DELETE FROM items; --'`,
			[]string{`SELECT '\'`, "DELETE FROM items"}},
		{"postgres backslash is literal", postgres, `SELECT '\'; DELETE FROM items`,
			[]string{`SELECT '\'`, "DELETE FROM items"}},
		{"postgres escape string", postgres, `SELECT E'\'; x'; SELECT 2`, []string{`SELECT E'\'; x'`, "SELECT 2"}},
		{"quoted identifier", postgres, `SELECT "a;b" FROM t`, []string{`SELECT "a;b" FROM t`}},
		{"backtick identifier", mysql, "SELECT `a;b` FROM t", []string{"SELECT `a;b` FROM t"}},
		{"line comment", sqlite, "SELECT 1 -- ; not a split\n; SELECT 2", []string{"SELECT 1 -- ; not a split", "SELECT 2"}},
		{"block comment", sqlite, "SELECT /* ; */ 1; SELECT 2", []string{"SELECT /* ; */ 1", "SELECT 2"}},
		{"mysql hash comment", mysql, "SELECT 1 # ; not a split\n; SELECT 2", []string{"SELECT 1 # ; not a split", "SELECT 2"}},
		{"postgres hash operator", postgres, "SELECT 5 # 3; SELECT 2", []string{"SELECT 5 # 3", "SELECT 2"}},
		{"mysql version comment runs", mysql, "SELECT 1 /*!50000 ; DELETE FROM t */",
			[]string{"SELECT 1 /*!50000", "DELETE FROM t */"}},
		{"dollar quote", postgres, "CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql; SELECT 2",
			[]string{"CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql", "SELECT 2"}},
		{"tagged dollar quote", postgres, "SELECT $x$;$x$; SELECT 2", []string{"SELECT $x$;$x$", "SELECT 2"}},
		{"placeholder", postgres, "SELECT $1; SELECT 2", []string{"SELECT $1", "SELECT 2"}},
		{"sqlite has no dollar quotes", sqlite, "SELECT $x$; SELECT 2", []string{"SELECT $x$", "SELECT 2"}},
		{"comment only", sqlite, "-- nothing here\n;  ;", nil},
		{"empty", sqlite, "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.in, tt.driver))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want domain.StatementKind
	}{
		{"SELECT 1", domain.StatementSelect},
		{"  select * from t", domain.StatementSelect},
		{"/* hint */ SELECT 1", domain.StatementSelect},
		{"WITH x AS (SELECT 1) SELECT * FROM x", domain.StatementSelect},
		{"WITH x AS (DELETE FROM t RETURNING *) SELECT * FROM x", domain.StatementDML},
		{"SELECT * INTO new_t FROM t", domain.StatementDML},
		{"SELECT * FROM t WHERE name = 'INTO'", domain.StatementSelect},
		{"VALUES (1), (2)", domain.StatementSelect},
		{"INSERT INTO t VALUES (1)", domain.StatementDML},
		{"update t set a = 1", domain.StatementDML},
		{"DELETE FROM t", domain.StatementDML},
		{"CREATE TABLE t (id int)", domain.StatementDDL},
		{"alter table t add column b int", domain.StatementDDL},
		{"DROP TABLE t", domain.StatementDDL},
		{"TRUNCATE t", domain.StatementDDL},
		{"GRANT SELECT ON t TO u", domain.StatementDCL},
		{"BEGIN", domain.StatementTCL},
		{"SHOW TABLES", domain.StatementUtility},
		{"EXPLAIN SELECT 1", domain.StatementUtility},
		{"SELECT 1; SELECT 2", domain.StatementScript},
		{"FROBNICATE", domain.StatementUnknown},
		{"", domain.StatementUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in, domain.DatabaseDriverSQLite))
		})
	}
}

func TestIsDDL(t *testing.T) {
	const d = domain.DatabaseDriverSQLite
	assert.True(t, IsDDL("CREATE TABLE t (id int)", d))
	assert.True(t, IsDDL("INSERT INTO a VALUES (1); DROP TABLE b", d))
	assert.False(t, IsDDL("SELECT 'DROP TABLE x'", d))
	assert.False(t, IsDDL("UPDATE t SET created = 1", d))
	assert.True(t, IsDDL(`SELECT '\'; DROP TABLE x; --'`, d))
	assert.False(t, IsDDL(`SELECT '\'; DROP TABLE x; --'`, domain.DatabaseDriverMySQL))
}

func TestReturnsRows(t *testing.T) {
	const d = domain.DatabaseDriverSQLite
	assert.True(t, ReturnsRows("SELECT 1", d))
	assert.True(t, ReturnsRows("SHOW TABLES", domain.DatabaseDriverMySQL))
	assert.True(t, ReturnsRows("PRAGMA table_info('t')", d))
	assert.True(t, ReturnsRows("INSERT INTO t VALUES (1) RETURNING id", d))
	assert.False(t, ReturnsRows("INSERT INTO t VALUES (1)", d))
	assert.False(t, ReturnsRows("CREATE TABLE t (id int)", d))
	assert.False(t, ReturnsRows("SET NAMES utf8mb4", domain.DatabaseDriverMySQL))
}

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		driver  domain.DatabaseDriver
		wantErr bool
	}{
		{"select", "SELECT 1", domain.DatabaseDriverMySQL, false},
		{"select with semicolon", "SELECT * FROM t;", domain.DatabaseDriverSQLite, false},
		{"cte", "WITH x AS (SELECT 1 AS a) SELECT a FROM x", domain.DatabaseDriverMySQL, false},
		{"delete", "DELETE FROM t", domain.DatabaseDriverMySQL, true},
		{"drop", "DROP TABLE t", domain.DatabaseDriverSQLite, true},
		{"two selects", "SELECT 1; SELECT 2", domain.DatabaseDriverMySQL, true},
		{"smuggled", "SELECT 1; DELETE FROM t", domain.DatabaseDriverMySQL, true},
		{"empty", "  ", domain.DatabaseDriverMySQL, true},
		{"comment only", "-- SELECT 1", domain.DatabaseDriverMySQL, true},
		{"explain", "EXPLAIN SELECT 1", domain.DatabaseDriverMySQL, true},
		{"pg select", "SELECT id FROM users WHERE id = 1", domain.DatabaseDriverPostgres, false},
		{"pg modifying cte", "WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", domain.DatabaseDriverPgx, true},
		{"pg select into", "SELECT * INTO copy FROM t", domain.DatabaseDriverPostgres, true},
		{"pg syntax error", "SELECT FROM WHERE", domain.DatabaseDriverPostgres, true},

		// A backslash ends a string on every server but MySQL.
		{"sqlite backslash smuggle", `SELECT '\'; DELETE FROM items; --'`, domain.DatabaseDriverSQLite, true},
		{"duckdb backslash smuggle", `SELECT '\'; DELETE FROM items; --'`, domain.DatabaseDriverDuckDB, true},
		{"pg backslash smuggle", `SELECT '\'; DELETE FROM items; --'`, domain.DatabaseDriverPostgres, true},
		{"mysql backslash smuggle", `SELECT '\'; DELETE FROM items; --'`, domain.DatabaseDriverMySQL, true},
		{"mysql escaped quote", `SELECT 'it\'s'`, domain.DatabaseDriverMySQL, false},
		{"sqlite trailing backslash", `SELECT 'C:\temp\' AS dir`, domain.DatabaseDriverSQLite, false},
		{"pg escape string", `SELECT E'\'; DELETE FROM t; --'`, domain.DatabaseDriverPostgres, false},
		{"mysql hash comment smuggle", "SELECT 1 # note\n; DELETE FROM t", domain.DatabaseDriverMySQL, true},
		{"mysql version comment smuggle", "SELECT 1 /*!50000 ; DELETE FROM t */", domain.DatabaseDriverMySQL, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadOnly(tt.sql, tt.driver)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrStatementRejected)
		})
	}
}

func TestApplyRowLimit(t *testing.T) {
	const d = domain.DatabaseDriverSQLite
	assert.Equal(t, "SELECT * FROM t\nLIMIT 100", ApplyRowLimit("SELECT * FROM t;", 100, d))
	assert.Equal(t, "SELECT * FROM t LIMIT 5", ApplyRowLimit("SELECT * FROM t LIMIT 5", 100, d))
	assert.Equal(t, "SELECT * FROM (SELECT * FROM t LIMIT 5) s\nLIMIT 10",
		ApplyRowLimit("SELECT * FROM (SELECT * FROM t LIMIT 5) s", 10, d))
	assert.Equal(t, "DELETE FROM t", ApplyRowLimit("DELETE FROM t", 100, d))
	assert.Equal(t, "SELECT 1", ApplyRowLimit("SELECT 1", 0, d))
}

func TestCleanGenerated(t *testing.T) {
	got, err := CleanGenerated("```sql\nSELECT * FROM orders\n```")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders", got)

	got, err = CleanGenerated("with x as (select 1) select * from x")
	require.NoError(t, err)
	assert.Equal(t, "with x as (select 1) select * from x", got)

	_, err = CleanGenerated("```\nDELETE FROM orders\n```")
	assert.ErrorIs(t, err, domain.ErrStatementRejected)

	_, err = CleanGenerated("``````")
	assert.ErrorIs(t, err, domain.ErrStatementRejected)
}
