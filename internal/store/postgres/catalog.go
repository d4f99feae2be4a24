// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package postgres

import (
	"context"
	"strings"
	"sync"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/query"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog looks up table columns in information_schema and caches them.
type Catalog struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[string]*catalog.Table
}

// NewCatalog creates a catalog over pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool, cache: make(map[string]*catalog.Table)}
}

// Table returns the columns of id. An empty schema means "public"; the catalog part
// is ignored since a pool is bound to one database.
func (c *Catalog) Table(ctx context.Context, id catalog.TableIdentifier) (*catalog.Table, error) {
	schema := id.Schema
	if schema == "" {
		schema = "public"
	}
	key := strings.ToLower(schema + "." + id.Table)

	c.mu.RLock()
	if t, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	rows, err := c.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, id.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &catalog.Table{ID: id}
	for rows.Next() {
		var col query.Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, catalog.ErrTableNotFound
	}

	c.mu.Lock()
	c.cache[key] = t
	c.mu.Unlock()
	return t, nil
}

// ClearCache drops all cached tables.
func (c *Catalog) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*catalog.Table)
}

// Verify interface compliance.
var _ catalog.Lookup = (*Catalog)(nil)
