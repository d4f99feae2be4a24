// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package connector defines the per-backend strategy that opens channels and turns a
// uniform query request into a backend call. Each backend kind lives in its own
// subpackage; the layers above only see Connector, Channel and query.Stream.
//
// The set of kinds is closed: params.Kinds lists them and Set reports which of them
// lack a connector, so a missing backend is detected at construction rather than on the
// first query.
package connector

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/catalog"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"github.com/google/uuid"
)

// Default values applied by Deps.WithDefaults.
const (
	DefaultSetupTimeout = 10 * time.Second
	DefaultBatchSize    = 1024
)

// Channel is a live backend session. It is owned by exactly one connection.
type Channel interface {
	// ExecuteQuery runs req and returns its result stream.
	ExecuteQuery(ctx context.Context, req Request) (*query.Stream, error)
	// Alive reports whether the channel can still serve queries.
	Alive() bool
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Describer is implemented by channels that can list the columns of their tables.
type Describer interface {
	Describe(ctx context.Context, id catalog.TableIdentifier) (*catalog.Table, error)
}

// Connector is the strategy for one backend kind.
type Connector interface {
	Kind() params.Kind
	// Setup opens a channel for the connection described by p. Cancelling ctx aborts the
	// attempt and releases anything partially opened.
	Setup(ctx context.Context, connectionID string, p params.Params, dispatch Dispatch) (Channel, error)
	// Reset releases ch.
	Reset(ctx context.Context, ch Channel, dispatch Dispatch) error
	// ExecuteQuery builds the backend request from args and delegates to ch.
	ExecuteQuery(ctx context.Context, ch Channel, args query.Args) (*query.Stream, error)
}

// Progress is a setup step reported through a Dispatch.
type Progress struct {
	Step   string
	Detail string
}

// Dispatch receives setup progress. A nil Dispatch discards it.
type Dispatch func(Progress)

// Report sends a progress step.
func (d Dispatch) Report(step, detail string) {
	if d != nil {
		d(Progress{Step: step, Detail: detail})
	}
}

// Deps are the collaborators every connector receives at construction.
type Deps struct {
	Logger       *slog.Logger
	Tokens       auth.TokenProvider
	HTTPClient   *http.Client
	Catalog      catalog.Lookup
	SetupTimeout time.Duration
	BatchSize    int
}

// WithDefaults fills unset fields.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Noop{}
	}
	if d.SetupTimeout <= 0 {
		d.SetupTimeout = DefaultSetupTimeout
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	return d
}

// Request is the backend request envelope shared by the remote backends.
type Request struct {
	ID      string
	Kind    params.Kind
	Query   string
	Options query.Options
}

// NewRequest builds the envelope for args with a fresh request id.
func NewRequest(kind params.Kind, args query.Args) Request {
	return Request{
		ID:      uuid.NewString(),
		Kind:    kind,
		Query:   args.Query,
		Options: args.Options,
	}
}

// BatchSize returns the requested batch size or def.
func (r Request) BatchSize(def int) int {
	if r.Options.BatchSize > 0 {
		return r.Options.BatchSize
	}
	return def
}

// StreamOptions translates the execution options that the stream enforces.
func (r Request) StreamOptions() []query.StreamOption {
	var opts []query.StreamOption
	if r.Options.MaxRows > 0 {
		opts = append(opts, query.WithMaxRows(r.Options.MaxRows))
	}
	if r.Options.Timeout > 0 {
		opts = append(opts, query.WithTimeout(r.Options.Timeout))
	}
	return opts
}

// Execute is the shared ExecuteQuery of connectors: it rejects a missing or dead
// channel and otherwise returns the channel's stream unmodified.
func Execute(ctx context.Context, kind params.Kind, ch Channel, args query.Args) (*query.Stream, error) {
	if ch == nil {
		return nil, cerrors.New(cerrors.ChannelNotReady, "no channel installed")
	}
	if !ch.Alive() {
		return nil, cerrors.New(cerrors.ChannelNotReady, "channel is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.Cancelled, "query cancelled before it started", err)
	}
	return ch.ExecuteQuery(ctx, NewRequest(kind, args))
}

// Rejected reports a query the backend refused at submit time. Cancellation before the
// query started is returned directly; any other err becomes the terminal event of a
// failed stream.
func Rejected(ctx context.Context, err error) (*query.Stream, error) {
	if ctx.Err() != nil || cerrors.IsKind(err, cerrors.Cancelled) {
		return nil, cerrors.Wrap(cerrors.Cancelled, "query cancelled before it started", err)
	}
	return query.Failed(ctx, err), nil
}

// Release is the shared Reset of connectors.
func Release(ch Channel, dispatch Dispatch) error {
	if ch == nil {
		return nil
	}
	err := ch.Close()
	dispatch.Report("released", "")
	return err
}

// SetupError classifies a setup failure. Cancellation stays Cancelled; everything else
// becomes SetupFailed with the original error as cause.
func SetupError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil || cerrors.IsKind(err, cerrors.Cancelled) {
		return cerrors.Wrap(cerrors.Cancelled, msg, err)
	}
	return cerrors.Wrap(cerrors.SetupFailed, msg, err)
}
