// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package demo implements an in-process backend that generates deterministic rows.
// It needs no network and its setup always succeeds, which makes it the default
// connection of a fresh workspace.
package demo

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"
)

// Connector is the demo strategy.
type Connector struct {
	deps connector.Deps
}

// New creates the demo connector.
func New(deps connector.Deps) *Connector {
	return &Connector{deps: deps.WithDefaults()}
}

func (c *Connector) Kind() params.Kind { return params.KindDemo }

// Setup returns a fresh stub channel.
func (c *Connector) Setup(ctx context.Context, connectionID string, p params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	if p.Kind != params.KindDemo {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("demo connector cannot use %s params", p.Kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, connector.SetupError(ctx, "demo setup cancelled", err)
	}
	ch := &Channel{params: *p.Demo, catalog: c.deps.Catalog}
	ch.alive.Store(true)
	c.deps.Logger.Debug("demo channel ready", "connection", connectionID)
	dispatch.Report("ready", "demo engine")
	return ch, nil
}

func (c *Connector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	return connector.Release(ch, dispatch)
}

func (c *Connector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, params.KindDemo, ch, args)
}

// Channel generates rows in-process.
type Channel struct {
	params  params.DemoParams
	catalog catalog.Lookup
	alive   atomic.Bool
}

// defaultColumns shape results of queries that name no known table.
var defaultColumns = []query.Column{
	{Name: "id", Type: "integer"},
	{Name: "label", Type: "varchar"},
	{Name: "score", Type: "double"},
}

func (ch *Channel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	if !ch.Alive() {
		return nil, cerrors.New(cerrors.ChannelNotReady, "demo channel is closed")
	}
	if strings.TrimSpace(req.Query) == "" {
		return connector.Rejected(ctx, cerrors.New(cerrors.ProtocolError, "empty query"))
	}
	cols := ch.columns(ctx, req.Query)
	g := &generator{
		cols:     cols,
		batches:  ch.params.Batches,
		perBatch: req.BatchSize(ch.params.RowsPerBatch),
		interval: ch.params.Interval,
	}
	if req.Options.BatchSize > 0 {
		// Keep the total row count of the params when the caller only changes the batch size.
		total := ch.params.Batches * ch.params.RowsPerBatch
		g.batches = (total + g.perBatch - 1) / g.perBatch
		g.total = total
	}
	return query.NewStream(ctx, g, req.StreamOptions()...), nil
}

func (ch *Channel) columns(ctx context.Context, sql string) []query.Column {
	id, ok := catalog.ReferencedTable(sql)
	if !ok {
		return defaultColumns
	}
	t, err := ch.catalog.Table(ctx, id)
	if err != nil || len(t.Columns) == 0 {
		return defaultColumns
	}
	return t.Columns
}

func (ch *Channel) Alive() bool { return ch.alive.Load() }

func (ch *Channel) Close() error {
	ch.alive.Store(false)
	return nil
}

// generator produces deterministic rows. total, when set, caps the number of rows.
type generator struct {
	cols     []query.Column
	batches  int
	perBatch int
	total    int
	interval time.Duration
	emitted  int
	rows     int
}

func (g *generator) Next(ctx context.Context) (*query.Batch, error) {
	if g.emitted >= g.batches {
		return nil, io.EOF
	}
	if g.interval > 0 && g.emitted > 0 {
		t := time.NewTimer(g.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := g.perBatch
	if g.total > 0 && g.rows+n > g.total {
		n = g.total - g.rows
	}
	b := &query.Batch{Columns: g.cols, Rows: make([][]any, n)}
	for i := range n {
		b.Rows[i] = g.row(g.rows + i)
	}
	g.emitted++
	g.rows += n
	return b, nil
}

func (g *generator) row(n int) []any {
	row := make([]any, len(g.cols))
	for i, c := range g.cols {
		row[i] = value(c, n)
	}
	return row
}

func value(c query.Column, n int) any {
	t := strings.ToLower(c.Type)
	switch {
	case strings.Contains(t, "int"):
		return int64(n)
	case strings.Contains(t, "double"), strings.Contains(t, "float"), strings.Contains(t, "decimal"), strings.Contains(t, "real"):
		return float64(n) * 1.5
	case strings.Contains(t, "bool"):
		return n%2 == 0
	}
	return fmt.Sprintf("%s-%d", c.Name, n)
}

func (g *generator) Close() error { return nil }

// Verify interface compliance.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Channel   = (*Channel)(nil)
)
