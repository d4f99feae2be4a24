// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hyper implements the Hyper backend over a server-streaming gRPC call.
//
// Requests and responses travel as google.protobuf.Struct envelopes. A query opens one
// ExecuteQuery stream; each response message is either a header carrying the result
// columns, a chunk of rows, or both. Every row chunk becomes one batch.
package hyper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/connector"
	"dashql/cli/internal/dsn"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteQueryMethod is the full gRPC method name of the query stream.
const ExecuteQueryMethod = "/salesforce.hyperdb.grpc.v1.HyperService/ExecuteQuery"

// Connector is the Hyper strategy.
type Connector struct {
	deps     connector.Deps
	dialOpts []grpc.DialOption
}

// Option configures a Connector.
type Option func(*Connector)

// WithDialOptions appends gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Connector) { c.dialOpts = append(c.dialOpts, opts...) }
}

// New creates the Hyper connector.
func New(deps connector.Deps, opts ...Option) *Connector {
	c := &Connector{deps: deps.WithDefaults()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) Kind() params.Kind { return params.KindHyper }

// Setup dials the endpoint, waits until the connection is ready within the setup
// timeout and runs a health check.
func (c *Connector) Setup(ctx context.Context, connectionID string, p params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	if p.Kind != params.KindHyper {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("hyper connector cannot use %s params", p.Kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	hp := *p.Hyper

	resolver := dsn.NewHyperResolver()
	info, err := resolver.Parse(hp.Endpoint)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidParams, "hyper endpoint", err)
	}
	target, _ := resolver.Normalize(info)
	useTLS := hp.TLS || info.Params["tls"] == "true"

	md, err := c.outgoingMetadata(ctx, connectionID, hp)
	if err != nil {
		return nil, connector.SetupError(ctx, "hyper credentials", err)
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{ServerName: info.Host, MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, c.dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidParams, "hyper endpoint", err)
	}

	log := c.deps.Logger.With("connection", connectionID, "endpoint", logging.Mask(target))
	dispatch.Report("connecting", target)
	log.Debug("dialing hyper")

	sctx, cancel := context.WithTimeout(ctx, c.deps.SetupTimeout)
	defer cancel()

	if err := waitReady(sctx, conn); err != nil {
		_ = conn.Close()
		return nil, connector.SetupError(ctx, "connect to hyper", err)
	}

	dispatch.Report("handshake", "health check")
	if err := healthCheck(metadata.NewOutgoingContext(sctx, md), conn); err != nil {
		_ = conn.Close()
		return nil, connector.SetupError(ctx, "hyper health check", err)
	}

	log.Debug("hyper channel ready")
	dispatch.Report("ready", target)
	return &Channel{
		conn:      conn,
		md:        md,
		databases: hp.Databases,
		batchSize: c.deps.BatchSize,
		logger:    log,
	}, nil
}

func (c *Connector) outgoingMetadata(ctx context.Context, connectionID string, hp params.HyperParams) (metadata.MD, error) {
	md := metadata.New(hp.Metadata)
	if c.deps.Tokens == nil {
		return md, nil
	}
	tok, err := c.deps.Tokens.Token(ctx, connectionID)
	if errors.Is(err, auth.ErrNoToken) {
		return md, nil
	}
	if err != nil {
		return nil, err
	}
	md.Set("authorization", "Bearer "+tok.AccessToken)
	return md, nil
}

// waitReady forces a connection attempt and blocks until it is READY or ctx ends.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("endpoint not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

// healthCheck runs the standard gRPC health check. Servers without the health service
// are accepted.
func healthCheck(ctx context.Context, conn *grpc.ClientConn) error {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if status.Code(err) == codes.Unimplemented {
		return nil
	}
	if err != nil {
		return logging.ClassifyGRPC(err, "health check")
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("server reports %s", resp.GetStatus())
	}
	return nil
}

func (c *Connector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	return connector.Release(ch, dispatch)
}

func (c *Connector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, params.KindHyper, ch, args)
}

// Channel is an open gRPC connection to a Hyper server.
type Channel struct {
	conn      *grpc.ClientConn
	md        metadata.MD
	databases []string
	batchSize int
	logger    *slog.Logger

	closed    atomic.Bool
	authDead  atomic.Bool
	closeOnce sync.Once
}

// Envelope builds the request message of req.
func (ch *Channel) Envelope(req connector.Request) (*structpb.Struct, error) {
	dbs := make([]any, len(ch.databases))
	for i, db := range ch.databases {
		dbs[i] = db
	}
	ps := make(map[string]any, len(req.Options.Parameters))
	for k, v := range req.Options.Parameters {
		ps[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"request_id": req.ID,
		"query":      req.Query,
		"databases":  dbs,
		"max_rows":   req.Options.MaxRows,
		"batch_size": req.BatchSize(ch.batchSize),
		"params":     ps,
	})
}

func (ch *Channel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	if !ch.Alive() {
		return nil, cerrors.New(cerrors.ChannelNotReady, "hyper channel is closed")
	}
	env, err := ch.Envelope(req)
	if err != nil {
		return connector.Rejected(ctx, cerrors.Wrap(cerrors.ProtocolError, "build hyper request", err))
	}

	qctx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, ch.md))
	cs, err := ch.conn.NewStream(qctx, &grpc.StreamDesc{ServerStreams: true}, ExecuteQueryMethod)
	if err != nil {
		cancel()
		return connector.Rejected(ctx, ch.classify(err, "open query stream"))
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.Send(env); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return connector.Rejected(ctx, ch.classify(err, "send query"))
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return connector.Rejected(ctx, ch.classify(err, "send query"))
	}

	ch.logger.Debug("hyper query started", "request", req.ID)
	src := &resultSource{ch: ch, stream: stream, cancel: cancel}
	return query.NewStream(ctx, src, req.StreamOptions()...), nil
}

// classify maps a gRPC failure onto the taxonomy and marks the channel dead when the
// server rejected its credential.
func (ch *Channel) classify(err error, msg string) error {
	err = logging.ClassifyGRPC(err, msg)
	if cerrors.IsKind(err, cerrors.AuthExpired) {
		ch.authDead.Store(true)
	}
	return err
}

// Alive reports whether the connection can still carry queries.
func (ch *Channel) Alive() bool {
	if ch.closed.Load() || ch.authDead.Load() {
		return false
	}
	switch ch.conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	}
	return true
}

func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		err = ch.conn.Close()
	})
	return err
}

// resultSource reads response messages and turns row chunks into batches.
type resultSource struct {
	ch     *Channel
	stream grpc.ServerStreamingClient[structpb.Struct]
	cancel context.CancelFunc
	cols   []query.Column
}

func (s *resultSource) Next(ctx context.Context) (*query.Batch, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		msg, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, s.ch.classify(err, "receive result")
		}
		b, err := s.decode(msg)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
	}
}

// decode returns nil for header-only messages.
func (s *resultSource) decode(msg *structpb.Struct) (*query.Batch, error) {
	fields := msg.GetFields()
	header, hasHeader := fields["header"]
	if hasHeader {
		cols, err := decodeColumns(header.GetStructValue().GetFields()["columns"])
		if err != nil {
			return nil, err
		}
		s.cols = cols
	}
	if raw, ok := fields["columns"]; ok {
		cols, err := decodeColumns(raw)
		if err != nil {
			return nil, err
		}
		s.cols = cols
	}

	raw, hasRows := fields["rows"]
	if !hasRows {
		if hasHeader {
			return nil, nil
		}
		return nil, cerrors.New(cerrors.ProtocolError, "hyper response has neither header nor rows")
	}
	if s.cols == nil {
		return nil, cerrors.New(cerrors.ProtocolError, "hyper sent rows before a header")
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, cerrors.New(cerrors.ProtocolError, "hyper rows must be a list")
	}
	b := &query.Batch{Columns: s.cols, Rows: make([][]any, 0, len(list.GetValues()))}
	for _, item := range list.GetValues() {
		row := item.GetListValue()
		if row == nil || len(row.GetValues()) != len(s.cols) {
			return nil, cerrors.New(cerrors.ProtocolError, "hyper row does not match the header")
		}
		b.Rows = append(b.Rows, row.AsSlice())
	}
	return b, nil
}

func decodeColumns(v *structpb.Value) ([]query.Column, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, cerrors.New(cerrors.ProtocolError, "hyper columns must be a list")
	}
	cols := make([]query.Column, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		f := item.GetStructValue().GetFields()
		name := f["name"].GetStringValue()
		if name == "" {
			return nil, cerrors.New(cerrors.ProtocolError, "hyper column without a name")
		}
		cols = append(cols, query.Column{Name: name, Type: f["type"].GetStringValue()})
	}
	return cols, nil
}

func (s *resultSource) Close() error {
	s.cancel()
	return nil
}

// Verify interface compliance.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Channel   = (*Channel)(nil)
)
