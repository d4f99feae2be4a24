// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package query defines the backend-agnostic query execution contract: the request
// every connector accepts and the cancellable result stream every connector returns.
//
// The types in this package are transport-agnostic so that the layers above the
// connectors can treat all backends identically.
package query

import "time"

// Args is the uniform query request.
type Args struct {
	Query   string
	Options Options
}

// Options are execution options shared by all backends.
type Options struct {
	// MaxRows truncates the result; zero means unlimited.
	MaxRows int
	// BatchSize is a hint for the number of rows per batch; zero uses the backend default.
	BatchSize int
	// Timeout bounds the whole execution; zero means no timeout beyond the caller's context.
	Timeout time.Duration
	// Parameters are passed to backends that support session or query parameters.
	Parameters map[string]string
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Batch is a chunk of result rows. Every row has len(Columns) values.
type Batch struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// ColumnNames returns the column names in order.
func (b *Batch) ColumnNames() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}
