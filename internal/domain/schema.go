package domain

import "time"

// Table describes a table and its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// ForeignKey is one column reference between two tables.
type ForeignKey struct {
	Table            string `json:"table"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referencedTable"`
	ReferencedColumn string `json:"referencedColumn"`
	ConstraintName   string `json:"constraintName,omitempty"`
}

// SchemaSnapshot is the schema of one connection at a point in time.
// Snapshots are never mutated after capture; a refresh publishes a new one.
type SchemaSnapshot struct {
	ConnectionID string       `json:"connectionId"`
	Schema       string       `json:"schema,omitempty"`
	Tables       []Table      `json:"tables"`
	ForeignKeys  []ForeignKey `json:"foreignKeys"`
	GeneratedAt  time.Time    `json:"generatedAt"`
}

// Table returns the named table, if present.
func (s *SchemaSnapshot) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}
