// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package connector

import (
	"context"
	"database/sql"
	"io"
	"sync"

	"dashql/cli/internal/query"
)

// RowsSource adapts *sql.Rows into a query.Source yielding batches of up to BatchSize
// rows. Cancelling the context of a pull cancels the underlying query.
type RowsSource struct {
	rows   *sql.Rows
	size   int
	cols   []query.Column
	cancel context.CancelFunc
	done   bool

	closeOnce sync.Once
	closeErr  error
}

// NewRowsSource wraps rows. cancel aborts the query that produced rows and may be nil.
func NewRowsSource(rows *sql.Rows, batchSize int, cancel context.CancelFunc) (*RowsSource, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	cols := make([]query.Column, len(types))
	for i, ct := range types {
		cols[i] = query.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RowsSource{rows: rows, size: batchSize, cols: cols, cancel: cancel}, nil
}

// Columns returns the result columns.
func (r *RowsSource) Columns() []query.Column { return r.cols }

func (r *RowsSource) Next(ctx context.Context) (*query.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}
	if r.cancel != nil {
		stop := context.AfterFunc(ctx, r.cancel)
		defer stop()
	}

	b := &query.Batch{Columns: r.cols, Rows: make([][]any, 0, min(r.size, 256))}
	for len(b.Rows) < r.size {
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		row, err := r.scan()
		if err != nil {
			return nil, err
		}
		b.Rows = append(b.Rows, row)
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	return b, nil
}

func (r *RowsSource) scan() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// Close closes the rows and cancels the query.
func (r *RowsSource) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.rows.Close()
		if r.cancel != nil {
			r.cancel()
		}
	})
	return r.closeErr
}

// Verify interface compliance.
var _ query.Source = (*RowsSource)(nil)
