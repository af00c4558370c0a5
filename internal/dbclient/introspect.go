package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"querydesk/internal/domain"
)

// introspectQueries are the three catalog queries of an
// INFORMATION_SCHEMA-style dialect. Each takes the schema name as its only
// argument; an empty name selects the connection's current schema.
//
//	tables:  table_name
//	columns: table_name, column_name, data_type, is_nullable, is_primary_key
//	fks:     table_name, column_name, referenced_table, referenced_column, constraint_name
//
// custom replaces all three for catalogs that need per-table queries.
type introspectQueries struct {
	tables  string
	columns string
	fks     string
	custom  func(ctx context.Context, db *sql.DB) (*SchemaInfo, error)
}

func (q introspectQueries) run(ctx context.Context, db *sql.DB, schema string, parallel int) (*SchemaInfo, error) {
	if q.custom != nil {
		return q.custom(ctx, db)
	}

	var (
		tableNames []string
		columns    map[string][]domain.Column
		fks        []domain.ForeignKey
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	g.Go(func() error {
		var err error
		tableNames, err = queryTableNames(gctx, db, q.tables, schema)
		return err
	})
	g.Go(func() error {
		var err error
		columns, err = queryColumns(gctx, db, q.columns, schema)
		return err
	})
	if q.fks != "" {
		g.Go(func() error {
			var err error
			fks, err = queryForeignKeys(gctx, db, q.fks, schema)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	info := &SchemaInfo{Schema: schema, ForeignKeys: fks}
	for _, name := range tableNames {
		info.Tables = append(info.Tables, domain.Table{Name: name, Columns: columns[name]})
	}
	return info, nil
}

func queryTableNames(ctx context.Context, db *sql.DB, query, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func queryColumns(ctx context.Context, db *sql.DB, query, schema string) (map[string][]domain.Column, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Column)
	for rows.Next() {
		var (
			table, nullable string
			col             domain.Column
		)
		if err := rows.Scan(&table, &col.Name, &col.Type, &nullable, &col.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		out[table] = append(out[table], col)
	}
	return out, rows.Err()
}

func queryForeignKeys(ctx context.Context, db *sql.DB, query, schema string) ([]domain.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []domain.ForeignKey
	for rows.Next() {
		var fk domain.ForeignKey
		if err := rows.Scan(&fk.Table, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.ConstraintName); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// introspectSQLite uses sqlite_master + PRAGMA table_info / foreign_key_list.
func introspectSQLite(ctx context.Context, db *sql.DB) (*SchemaInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	info := &SchemaInfo{}
	for _, tbl := range tableNames {
		cols, err := sqliteColumns(ctx, db, tbl)
		if err != nil {
			return nil, err
		}
		info.Tables = append(info.Tables, domain.Table{Name: tbl, Columns: cols})

		fks, err := sqliteForeignKeys(ctx, db, tbl)
		if err != nil {
			return nil, err
		}
		info.ForeignKeys = append(info.ForeignKeys, fks...)
	}
	return info, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]domain.Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLiteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, domain.Column{Name: name, Type: colType, Nullable: notNull == 0 && pk == 0, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

func sqliteForeignKeys(ctx context.Context, db *sql.DB, table string) ([]domain.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLiteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("foreign keys %s: %w", table, err)
	}
	defer rows.Close()

	var fks []domain.ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to, onUpdate, onDelete, match sql.NullString
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, domain.ForeignKey{
			Table:            table,
			Column:           from,
			ReferencedTable:  refTable,
			ReferencedColumn: to.String,
			ConstraintName:   fmt.Sprintf("fk_%s_%d", table, id),
		})
	}
	return fks, rows.Err()
}

func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
