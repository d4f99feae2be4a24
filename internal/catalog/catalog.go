// Package catalog exposes read-only table metadata supplied by the SQL analysis engine.
// Connectors consult it to describe result columns; nothing in this package mutates a
// catalog after construction.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"dashql/cli/internal/query"
)

// ErrTableNotFound is returned by Lookup implementations for unknown tables.
var ErrTableNotFound = errors.New("table not found")

// TableIdentifier uniquely identifies a table.
type TableIdentifier struct {
	Catalog string `json:"catalog,omitempty"`
	Schema  string `json:"schema,omitempty"`
	Table   string `json:"table"`
}

// String returns a dot-separated representation.
func (t TableIdentifier) String() string {
	parts := make([]string, 0, 3)
	if t.Catalog != "" {
		parts = append(parts, t.Catalog)
	}
	if t.Schema != "" {
		parts = append(parts, t.Schema)
	}
	return strings.Join(append(parts, t.Table), ".")
}

func (t TableIdentifier) key() string { return strings.ToLower(t.String()) }

// ParseTableIdentifier parses "table", "schema.table" or "catalog.schema.table".
func ParseTableIdentifier(s string) (TableIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for _, p := range parts {
		if p == "" {
			return TableIdentifier{}, fmt.Errorf("invalid table identifier %q", s)
		}
	}
	switch len(parts) {
	case 1:
		return TableIdentifier{Table: parts[0]}, nil
	case 2:
		return TableIdentifier{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableIdentifier{Catalog: parts[0], Schema: parts[1], Table: parts[2]}, nil
	}
	return TableIdentifier{}, fmt.Errorf("invalid table identifier %q", s)
}

var fromClause = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z_][\w]*(?:\.[A-Za-z_][\w]*){0,2})`)

// ReferencedTable returns the first table named in a FROM clause of sql.
func ReferencedTable(sql string) (TableIdentifier, bool) {
	m := fromClause.FindStringSubmatch(sql)
	if m == nil {
		return TableIdentifier{}, false
	}
	id, err := ParseTableIdentifier(m[1])
	if err != nil {
		return TableIdentifier{}, false
	}
	return id, true
}

// Table describes a table and its columns.
type Table struct {
	ID      TableIdentifier
	Columns []query.Column
}

// Lookup resolves table metadata.
type Lookup interface {
	Table(ctx context.Context, id TableIdentifier) (*Table, error)
}

// Static is an in-memory Lookup. Identifiers match case-insensitively.
type Static struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewStatic creates a Static lookup holding tables.
func NewStatic(tables ...Table) *Static {
	s := &Static{tables: make(map[string]*Table, len(tables))}
	for i := range tables {
		t := tables[i]
		s.tables[t.ID.key()] = &t
	}
	return s
}

// Table returns the table or ErrTableNotFound.
func (s *Static) Table(ctx context.Context, id TableIdentifier) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	cp := *t
	cp.Columns = append([]query.Column(nil), t.Columns...)
	return &cp, nil
}

// Noop knows no tables.
type Noop struct{}

// Table always returns ErrTableNotFound.
func (Noop) Table(_ context.Context, id TableIdentifier) (*Table, error) {
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
}

// Verify interface compliance.
var (
	_ Lookup = (*Static)(nil)
	_ Lookup = Noop{}
)
