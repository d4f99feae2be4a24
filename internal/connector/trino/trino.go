// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package trino implements the Trino backend over database/sql and the Trino driver.
package trino

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"dashql/cli/internal/connector"
	"dashql/cli/internal/dsn"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"github.com/trinodb/trino-go-client/trino"
)

// DriverName is the database/sql driver registered by the Trino client.
const DriverName = "trino"

// DefaultSource is reported to the coordinator as the client source.
const DefaultSource = "dashql"

// Opener opens a database handle. It matches sql.Open.
type Opener func(driverName, dataSourceName string) (*sql.DB, error)

// Option configures the connector.
type Option func(*Connector)

// WithOpener replaces sql.Open.
func WithOpener(o Opener) Option {
	return func(c *Connector) { c.open = o }
}

// Connector is the Trino strategy.
type Connector struct {
	deps connector.Deps
	open Opener
}

// New creates the Trino connector.
func New(deps connector.Deps, opts ...Option) *Connector {
	c := &Connector{deps: deps.WithDefaults(), open: sql.Open}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) Kind() params.Kind { return params.KindTrino }

// DSN builds the driver DSN for tp.
func DSN(tp params.TrinoParams) (string, error) {
	info, err := dsn.NewTrinoResolver().Parse(tp.Endpoint)
	if err != nil {
		return "", cerrors.Wrap(cerrors.InvalidParams, "trino endpoint", err)
	}
	user := tp.User
	if user == "" {
		user = info.User
	}
	password := tp.Password
	if password == "" {
		password = info.Password
	}
	if password != "" && info.Scheme != "https" {
		return "", cerrors.New(cerrors.InvalidParams, "trino password requires an https endpoint")
	}

	u := url.URL{Scheme: info.Scheme, Host: net.JoinHostPort(info.Host, info.Port)}
	switch {
	case password != "":
		u.User = url.UserPassword(user, password)
	case user != "":
		u.User = url.User(user)
	}

	cfg := &trino.Config{
		ServerURI: u.String(),
		Source:    firstNonEmpty(tp.Source, DefaultSource),
		Catalog:   firstNonEmpty(tp.Catalog, info.Params["catalog"]),
		Schema:    firstNonEmpty(tp.Schema, info.Params["schema"]),
	}
	out, err := cfg.FormatDSN()
	if err != nil {
		return "", cerrors.Wrap(cerrors.InvalidParams, "trino dsn", err)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Setup opens a handle to the coordinator and verifies it with a trivial query.
func (c *Connector) Setup(ctx context.Context, connectionID string, p params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	if p.Kind != params.KindTrino {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("trino connector cannot use %s params", p.Kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	source, err := DSN(*p.Trino)
	if err != nil {
		return nil, err
	}
	log := c.deps.Logger.With("connection", connectionID, "endpoint", p.Trino.Endpoint)

	dispatch.Report("connecting", p.Trino.Endpoint)
	db, err := c.open(DriverName, source)
	if err != nil {
		return nil, connector.SetupError(ctx, "open trino handle", err)
	}

	sctx, cancel := context.WithTimeout(ctx, c.deps.SetupTimeout)
	defer cancel()

	dispatch.Report("handshake", "")
	var one int
	if err := db.QueryRowContext(sctx, "SELECT 1").Scan(&one); err != nil {
		_ = db.Close()
		return nil, connector.SetupError(ctx, "trino handshake", classify(err))
	}
	log.Debug("trino channel ready")
	dispatch.Report("ready", p.Trino.Endpoint)
	return &Channel{db: db, logger: log, batchSize: c.deps.BatchSize}, nil
}

func (c *Connector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	return connector.Release(ch, dispatch)
}

func (c *Connector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, params.KindTrino, ch, args)
}

// Channel is an open Trino handle.
type Channel struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int

	closeOnce sync.Once
	closed    atomic.Bool
	dead      atomic.Bool
}

func (ch *Channel) Alive() bool { return !ch.closed.Load() && !ch.dead.Load() }

func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		err = ch.db.Close()
	})
	return err
}

// ExecuteQuery submits the query; rows are read batch by batch as the stream is pulled.
func (ch *Channel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	qctx, cancel := context.WithCancel(ctx)
	rows, err := ch.db.QueryContext(qctx, req.Query, sessionArgs(req.Options.Parameters)...)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return connector.Rejected(ctx, err)
		}
		return connector.Rejected(ctx, ch.fail(err))
	}
	src, err := connector.NewRowsSource(rows, req.BatchSize(ch.batchSize), cancel)
	if err != nil {
		return connector.Rejected(ctx, ch.fail(err))
	}
	ch.logger.Debug("trino query started", "request", req.ID, "columns", len(src.Columns()))
	return query.NewStream(ctx, &failSource{Source: src, ch: ch}, req.StreamOptions()...), nil
}

// fail classifies err and marks the channel dead when the credentials were rejected.
func (ch *Channel) fail(err error) error {
	err = classify(err)
	if cerrors.IsKind(err, cerrors.AuthExpired) {
		ch.dead.Store(true)
	}
	return err
}

// failSource routes pull errors through the channel's classification.
type failSource struct {
	query.Source
	ch *Channel
}

func (f *failSource) Next(ctx context.Context) (*query.Batch, error) {
	b, err := f.Source.Next(ctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		return nil, f.ch.fail(err)
	}
	return b, err
}

// sessionArgs passes query parameters as Trino session properties.
func sessionArgs(props map[string]string) []any {
	if len(props) == 0 {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]string, len(keys))
	for i, k := range keys {
		kv[i] = k + "=" + props[k]
	}
	return []any{sql.Named("X-Trino-Session", strings.Join(kv, ","))}
}

func classify(err error) error {
	var qf *trino.ErrQueryFailed
	if errors.As(err, &qf) {
		switch qf.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return cerrors.Wrap(cerrors.AuthExpired, "trino rejected the credentials", err)
		}
	}
	return cerrors.Classify(err, cerrors.TransportError, "trino")
}

// Verify interface compliance.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Channel   = (*Channel)(nil)
)
