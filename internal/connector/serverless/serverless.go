// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package serverless implements the embedded backend on top of sqlite.
package serverless

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// Memory is the database name of a private in-memory engine.
const Memory = ":memory:"

// Connector is the embedded strategy.
type Connector struct {
	deps connector.Deps
}

// New creates the serverless connector.
func New(deps connector.Deps) *Connector {
	return &Connector{deps: deps.WithDefaults()}
}

func (c *Connector) Kind() params.Kind { return params.KindServerless }

// DSN returns the driver DSN for sp.
func DSN(sp params.ServerlessParams) string {
	db := strings.TrimSpace(sp.Database)
	if db == "" || db == Memory {
		return Memory
	}
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	if sp.ReadOnly {
		q.Set("mode", "ro")
	}
	return "file:" + db + "?" + q.Encode()
}

// Setup opens the engine and verifies it can be queried.
func (c *Connector) Setup(ctx context.Context, connectionID string, p params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	if p.Kind != params.KindServerless {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("serverless connector cannot use %s params", p.Kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sp := *p.Serverless
	log := c.deps.Logger.With("connection", connectionID, "database", DSN(sp))

	db, err := sql.Open(DriverName, DSN(sp))
	if err != nil {
		return nil, connector.SetupError(ctx, "open embedded engine", err)
	}
	// One connection keeps an in-memory database alive and shared across queries.
	db.SetMaxOpenConns(1)

	sctx, cancel := context.WithTimeout(ctx, c.deps.SetupTimeout)
	defer cancel()
	if err := db.PingContext(sctx); err != nil {
		_ = db.Close()
		return nil, connector.SetupError(ctx, "embedded engine unavailable", err)
	}
	if _, err := db.ExecContext(sctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, connector.SetupError(ctx, "configure embedded engine", err)
	}
	log.Debug("embedded engine ready")
	dispatch.Report("ready", sp.Database)
	return &Channel{db: db, logger: log, batchSize: c.deps.BatchSize}, nil
}

func (c *Connector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	return connector.Release(ch, dispatch)
}

func (c *Connector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, params.KindServerless, ch, args)
}

// Channel is an open embedded engine.
type Channel struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int

	closeOnce sync.Once
	closed    atomic.Bool
}

func (ch *Channel) Alive() bool { return !ch.closed.Load() }

func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		err = ch.db.Close()
	})
	return err
}

func (ch *Channel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	qctx, cancel := context.WithCancel(ctx)
	rows, err := ch.db.QueryContext(qctx, req.Query)
	if err != nil {
		cancel()
		return connector.Rejected(ctx, cerrors.Wrap(cerrors.ProtocolError, "embedded query rejected", err))
	}
	src, err := connector.NewRowsSource(rows, req.BatchSize(ch.batchSize), cancel)
	if err != nil {
		return connector.Rejected(ctx, cerrors.Wrap(cerrors.ProtocolError, "read result columns", err))
	}
	ch.logger.Debug("embedded query started", "request", req.ID)
	return query.NewStream(ctx, src, req.StreamOptions()...), nil
}

// Describe returns the columns of a table in the engine.
func (ch *Channel) Describe(ctx context.Context, id catalog.TableIdentifier) (*catalog.Table, error) {
	if !ch.Alive() {
		return nil, cerrors.New(cerrors.ChannelNotReady, "embedded engine is closed")
	}
	return tableCatalog{db: ch.db}.Table(ctx, id)
}

// tableCatalog reads table columns from pragma_table_info.
type tableCatalog struct {
	db *sql.DB
}

// Table returns the columns of id.Table. The schema names an attached database.
func (c tableCatalog) Table(ctx context.Context, id catalog.TableIdentifier) (*catalog.Table, error) {
	schema := id.Schema
	if schema == "" {
		schema = "main"
	}
	rows, err := c.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?, ?)", id.Table, schema)
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
	return t, nil
}

// Verify interface compliance.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Channel   = (*Channel)(nil)
	_ connector.Describer = (*Channel)(nil)
	_ catalog.Lookup      = tableCatalog{}
)
