// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package connection holds the per-connection lifecycle: the ConnectionState machine
// that owns a backend channel, and the Registry that keeps exactly one state per
// configured connection.
//
// A State serializes its own lifecycle calls. A Setup or ExecuteQuery issued while
// another one is in flight is rejected with Busy instead of being interleaved. Every
// call that may block takes a context; cancelling it aborts the backend work and leaves
// the state in a defined status. Completions that arrive after a Reset or a newer Setup
// carry an outdated epoch and are discarded.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"
)

// Status is the lifecycle status of a connection.
type Status int

const (
	Disconnected Status = iota
	Configuring
	Connected
	Executing
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Configuring:
		return "configuring"
	case Connected:
		return "connected"
	case Executing:
		return "executing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// busy reports whether a lifecycle call is in flight.
func (s Status) busy() bool { return s == Configuring || s == Executing }

// Event is a status change or a setup progress step.
type Event struct {
	Seq          uint64
	ConnectionID string
	Kind         params.Kind
	From         Status
	To           Status
	Err          error
	// Progress is set for setup steps; From and To are then equal.
	Progress *connector.Progress
}

// Listener receives events in Seq order. It must not call back into the State.
type Listener func(Event)

// Snapshot is a consistent view of a State.
type Snapshot struct {
	ID         string
	Kind       params.Kind
	Status     Status
	Err        error
	Signature  string
	HasChannel bool
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger. A nil logger discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) { s.logger = logging.OrDiscard(l) }
}

// WithListener sets the event listener.
func WithListener(fn Listener) Option {
	return func(s *State) { s.listener = fn }
}

// State is the lifecycle of one connection and the exclusive owner of its channel.
// A channel is installed exactly while the status is Connected or Executing.
type State struct {
	id       string
	kind     params.Kind
	conn     connector.Connector
	logger   *slog.Logger
	listener Listener

	mu          sync.Mutex
	status      Status
	channel     connector.Channel
	params      params.Params
	signature   string
	lastErr     error
	epoch       uint64
	stream      *query.Stream
	setupCancel context.CancelFunc
	seq         uint64
	outbox      []Event

	emitMu sync.Mutex
}

// New creates a Disconnected state for connection id backed by conn.
func New(id string, kind params.Kind, conn connector.Connector, opts ...Option) (*State, error) {
	if conn == nil {
		return nil, cerrors.New(cerrors.Unsupported, fmt.Sprintf("no connector for %s", kind))
	}
	if conn.Kind() != kind {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("connector for %s cannot serve a %s connection", conn.Kind(), kind))
	}
	s := &State{id: id, kind: kind, conn: conn, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("connection", id, "kind", string(kind))
	return s, nil
}

// ID returns the connection id.
func (s *State) ID() string { return s.id }

// Kind returns the backend kind.
func (s *State) Kind() params.Kind { return s.kind }

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last recorded error.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns the current view of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.id,
		Kind:       s.kind,
		Status:     s.status,
		Err:        s.lastErr,
		Signature:  s.signature,
		HasChannel: s.channel != nil,
	}
}

// Params returns the params of the installed channel without secrets.
func (s *State) Params() (params.Params, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return params.Params{}, false
	}
	return s.params, true
}

// NeedsSetup reports whether p differs from the params of the live channel.
func (s *State) NeedsSetup(p params.Params) bool {
	sig, err := params.Signature(p)
	if err != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected && s.status != Executing {
		return true
	}
	return s.signature != sig
}

// Setup opens a channel for p. From Connected the previous channel is released first.
//
// A cancelled ctx leaves the state Disconnected without an error and returns a
// Cancelled error. A backend failure leaves it Failed with the SetupFailed cause
// recorded and returned.
func (s *State) Setup(ctx context.Context, p params.Params) error {
	if p.Kind != s.kind {
		return cerrors.New(cerrors.InvalidParams, fmt.Sprintf("%s params for a %s connection", p.Kind, s.kind))
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sig, err := params.Signature(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status.busy() {
		st := s.status
		s.mu.Unlock()
		return cerrors.New(cerrors.Busy, fmt.Sprintf("connection %s is %s", s.id, st))
	}
	old := s.channel
	s.channel = nil
	s.epoch++
	epoch := s.epoch
	sctx, cancel := context.WithCancel(ctx)
	s.setupCancel = cancel
	s.lastErr = nil
	s.transitionLocked(Configuring, nil)
	s.mu.Unlock()
	s.flush()
	defer cancel()

	if old != nil {
		if err := s.conn.Reset(sctx, old, s.dispatch(epoch)); err != nil {
			s.logger.Warn("release previous channel", "error", err)
		}
	}

	s.logger.Debug("setting up channel")
	ch, err := s.conn.Setup(sctx, s.id, p, s.dispatch(epoch))

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		s.logger.Debug("discarded stale setup completion")
		return cerrors.New(cerrors.Cancelled, "setup superseded by a newer call")
	}
	s.setupCancel = nil

	switch {
	case err != nil && (sctx.Err() != nil || cerrors.IsKind(err, cerrors.Cancelled)):
		if ch != nil {
			_ = ch.Close()
		}
		s.transitionLocked(Disconnected, nil)
		s.mu.Unlock()
		s.flush()
		s.logger.Debug("setup cancelled")
		if !cerrors.IsKind(err, cerrors.Cancelled) {
			err = cerrors.Wrap(cerrors.Cancelled, "setup cancelled", err)
		}
		return err
	case err != nil || ch == nil:
		if err == nil {
			err = cerrors.New(cerrors.ProtocolError, "connector returned no channel")
		}
		if !cerrors.IsKind(err, cerrors.SetupFailed) {
			err = cerrors.Wrap(cerrors.SetupFailed, "setup failed", err)
		}
		s.lastErr = err
		s.transitionLocked(Failed, err)
		s.mu.Unlock()
		s.flush()
		s.logger.Warn("setup failed", "error", logging.Mask(err.Error()))
		return err
	}

	s.channel = ch
	s.params = p.WithoutSecrets()
	s.signature = sig
	s.transitionLocked(Connected, nil)
	s.mu.Unlock()
	s.flush()
	s.logger.Debug("channel ready")
	return nil
}

// ExecuteQuery runs args on the live channel. The state is Executing until the returned
// stream finishes; it then returns to Connected, or to Disconnected when the stream was
// cancelled before its first batch or the channel died.
func (s *State) ExecuteQuery(ctx context.Context, args query.Args) (*query.Stream, error) {
	s.mu.Lock()
	switch s.status {
	case Configuring, Executing:
		st := s.status
		s.mu.Unlock()
		return nil, cerrors.New(cerrors.Busy, fmt.Sprintf("connection %s is %s", s.id, st))
	case Disconnected, Failed:
		st := s.status
		s.mu.Unlock()
		return nil, cerrors.New(cerrors.ChannelNotReady, fmt.Sprintf("connection %s is %s", s.id, st))
	}
	ch := s.channel
	epoch := s.epoch
	s.transitionLocked(Executing, nil)
	s.mu.Unlock()
	s.flush()

	stream, err := s.conn.ExecuteQuery(ctx, ch, args)
	if err != nil {
		out := query.Outcome{Status: query.StatusFailed, Err: err}
		if cerrors.IsKind(err, cerrors.Cancelled) {
			out = query.Outcome{Status: query.StatusCancelled}
		}
		s.finishExecution(epoch, ch, out)
		return nil, err
	}

	s.mu.Lock()
	if s.epoch != epoch || s.status != Executing {
		s.mu.Unlock()
		stream.Cancel()
		return nil, cerrors.New(cerrors.Cancelled, "connection was reset")
	}
	s.stream = stream
	s.mu.Unlock()

	stream.OnFinish(func(o query.Outcome) { s.finishExecution(epoch, ch, o) })
	return stream, nil
}

func (s *State) finishExecution(epoch uint64, ch connector.Channel, o query.Outcome) {
	s.mu.Lock()
	if s.epoch != epoch || s.status != Executing {
		s.mu.Unlock()
		return
	}
	s.stream = nil

	var release connector.Channel
	switch {
	case o.Status == query.StatusCancelled && o.Batches == 0:
		release = ch
		s.lastErr = nil
	case o.Status == query.StatusFailed && !ch.Alive():
		release = ch
		s.lastErr = o.Err
	case o.Status == query.StatusFailed:
		s.lastErr = o.Err
	default:
		s.lastErr = nil
	}
	if release != nil {
		s.channel = nil
		s.transitionLocked(Disconnected, s.lastErr)
	} else {
		s.transitionLocked(Connected, s.lastErr)
	}
	s.mu.Unlock()

	switch o.Status {
	case query.StatusCancelled:
		s.logger.Debug("query cancelled", "batches", o.Batches)
	case query.StatusFailed:
		s.logger.Warn("query failed", "error", logging.Mask(o.Err.Error()), "batches", o.Batches)
	default:
		s.logger.Debug("query completed", "batches", o.Batches, "rows", o.Rows)
	}
	if release != nil {
		if err := s.conn.Reset(context.Background(), release, s.dispatch(epoch)); err != nil {
			s.logger.Warn("release channel", "error", err)
		}
	}
	s.flush()
}

// DescribeTable returns the columns of a table as the live channel sees them. It does
// not change the status; backends whose channel cannot describe tables return
// Unsupported.
func (s *State) DescribeTable(ctx context.Context, id catalog.TableIdentifier) (*catalog.Table, error) {
	s.mu.Lock()
	status, ch := s.status, s.channel
	s.mu.Unlock()
	switch status {
	case Configuring, Executing:
		return nil, cerrors.New(cerrors.Busy, fmt.Sprintf("connection %s is %s", s.id, status))
	case Disconnected, Failed:
		return nil, cerrors.New(cerrors.ChannelNotReady, fmt.Sprintf("connection %s is %s", s.id, status))
	}
	d, ok := ch.(connector.Describer)
	if !ok {
		return nil, cerrors.New(cerrors.Unsupported, fmt.Sprintf("%s connections cannot describe tables", s.kind))
	}
	return d.Describe(ctx, id)
}

// Reset releases the channel from any status and moves to Disconnected. An in-flight
// setup or query stream is cancelled.
func (s *State) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	cancel := s.setupCancel
	s.setupCancel = nil
	stream := s.stream
	s.stream = nil
	ch := s.channel
	s.channel = nil
	s.lastErr = nil
	s.signature = ""
	s.transitionLocked(Disconnected, nil)
	s.mu.Unlock()
	s.flush()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Cancel()
	}
	if ch == nil {
		return nil
	}
	s.logger.Debug("releasing channel")
	err := s.conn.Reset(ctx, ch, s.dispatch(epoch))
	s.flush()
	return err
}

// dispatch returns a progress sink that drops steps once epoch is outdated.
func (s *State) dispatch(epoch uint64) connector.Dispatch {
	return func(p connector.Progress) {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		pr := p
		s.enqueueLocked(Event{From: s.status, To: s.status, Progress: &pr})
		s.mu.Unlock()
		s.flush()
	}
}

func (s *State) transitionLocked(to Status, err error) {
	from := s.status
	s.status = to
	if from == to && err == nil {
		return
	}
	s.enqueueLocked(Event{From: from, To: to, Err: err})
}

func (s *State) enqueueLocked(e Event) {
	if s.listener == nil {
		return
	}
	s.seq++
	e.Seq = s.seq
	e.ConnectionID = s.id
	e.Kind = s.kind
	s.outbox = append(s.outbox, e)
}

// flush delivers queued events outside the state lock, in Seq order.
func (s *State) flush() {
	if s.listener == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
		s.listener(e)
	}
}
