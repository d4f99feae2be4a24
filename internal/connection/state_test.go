// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package connection

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/connector"
	"dashql/cli/internal/connector/demo"
	"dashql/cli/internal/connector/hyper"
	"dashql/cli/internal/connector/serverless"
	"dashql/cli/internal/connector/trino"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel serves streams from newSource.
type fakeChannel struct {
	alive     atomic.Bool
	closed    atomic.Int32
	newSource func() query.Source
}

func newFakeChannel(src func() query.Source) *fakeChannel {
	ch := &fakeChannel{newSource: src}
	ch.alive.Store(true)
	return ch
}

func (c *fakeChannel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	return query.NewStream(ctx, c.newSource(), req.StreamOptions()...), nil
}

func (c *fakeChannel) Alive() bool { return c.alive.Load() }

func (c *fakeChannel) Close() error {
	c.closed.Add(1)
	c.alive.Store(false)
	return nil
}

// fakeConnector delegates Setup to setup.
type fakeConnector struct {
	kind   params.Kind
	setup  func(ctx context.Context) (connector.Channel, error)
	resets atomic.Int32
}

func (f *fakeConnector) Kind() params.Kind { return f.kind }

func (f *fakeConnector) Setup(ctx context.Context, _ string, _ params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	dispatch.Report("dialing", "")
	return f.setup(ctx)
}

func (f *fakeConnector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	f.resets.Add(1)
	return connector.Release(ch, dispatch)
}

func (f *fakeConnector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, f.kind, ch, args)
}

func batch(n int) *query.Batch {
	b := &query.Batch{Columns: []query.Column{{Name: "n"}}}
	for i := 0; i < n; i++ {
		b.Rows = append(b.Rows, []any{i})
	}
	return b
}

// blockingSource yields its batches and then blocks until the pull is cancelled.
func blockingSource(batches ...*query.Batch) func() query.Source {
	return func() query.Source {
		i := 0
		return query.FuncSource{NextFunc: func(ctx context.Context) (*query.Batch, error) {
			if i < len(batches) {
				i++
				return batches[i-1], nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	}
}

func paramsFor(kind params.Kind) params.Params {
	switch kind {
	case params.KindHyper:
		return params.Hyper(params.HyperParams{Endpoint: "localhost:7484"})
	case params.KindSalesforce:
		return params.Salesforce(params.SalesforceParams{InstanceURL: "https://acme.my.salesforce.com"})
	case params.KindTrino:
		return params.Trino(params.TrinoParams{Endpoint: "http://localhost:8080", User: "ada"})
	case params.KindServerless:
		return params.Serverless(params.ServerlessParams{Database: ":memory:"})
	}
	return params.Demo(params.DefaultDemoParams())
}

func connected(t *testing.T, ch *fakeChannel, opts ...Option) (*State, *fakeConnector) {
	t.Helper()
	fc := &fakeConnector{kind: params.KindDemo, setup: func(context.Context) (connector.Channel, error) { return ch, nil }}
	st, err := New("c1", params.KindDemo, fc, opts...)
	require.NoError(t, err)
	require.NoError(t, st.Setup(context.Background(), paramsFor(params.KindDemo)))
	require.Equal(t, Connected, st.Status())
	return st, fc
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Disconnected, "disconnected"},
		{Configuring, "configuring"},
		{Connected, "connected"},
		{Executing, "executing"},
		{Failed, "failed"},
		{Status(42), "status(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestNewRejectsMismatchedConnector(t *testing.T) {
	_, err := New("c1", params.KindTrino, &fakeConnector{kind: params.KindDemo})
	assert.ErrorIs(t, err, cerrors.ErrInvalidParams)

	_, err = New("c1", params.KindTrino, nil)
	assert.ErrorIs(t, err, cerrors.ErrUnsupported)
}

func TestExecuteWithoutChannelForAllKinds(t *testing.T) {
	boom := errors.New("unreachable")
	for _, kind := range params.Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			fc := &fakeConnector{kind: kind, setup: func(context.Context) (connector.Channel, error) { return nil, boom }}
			st, err := New("c1", kind, fc)
			require.NoError(t, err)

			_, err = st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
			assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)
			assert.Equal(t, Disconnected, st.Status())

			require.Error(t, st.Setup(context.Background(), paramsFor(kind)))
			require.Equal(t, Failed, st.Status())
			recorded := st.Err()

			_, err = st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
			assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)
			assert.Equal(t, Failed, st.Status())
			assert.Equal(t, recorded, st.Err())
		})
	}
}

func TestSecondSetupIsBusy(t *testing.T) {
	release := make(chan struct{})
	ch := newFakeChannel(blockingSource())
	fc := &fakeConnector{kind: params.KindDemo, setup: func(context.Context) (connector.Channel, error) {
		<-release
		return ch, nil
	}}
	st, err := New("c1", params.KindDemo, fc)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() { first <- st.Setup(context.Background(), paramsFor(params.KindDemo)) }()
	require.Eventually(t, func() bool { return st.Status() == Configuring }, time.Second, time.Millisecond)

	err = st.Setup(context.Background(), paramsFor(params.KindDemo))
	assert.ErrorIs(t, err, cerrors.ErrBusy)
	_, err = st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	assert.ErrorIs(t, err, cerrors.ErrBusy)

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, Connected, st.Status())
	assert.True(t, st.Snapshot().HasChannel)
}

func TestSetupDuringExecutionIsBusy(t *testing.T) {
	ch := newFakeChannel(blockingSource(batch(1)))
	st, _ := connected(t, ch)

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	require.NoError(t, err)
	require.True(t, s.Next())

	err = st.Setup(context.Background(), paramsFor(params.KindDemo))
	assert.ErrorIs(t, err, cerrors.ErrBusy)
	assert.Equal(t, Executing, st.Status())

	s.Cancel()
	assert.Equal(t, Connected, st.Status())
}

func TestSetupCancelled(t *testing.T) {
	fc := &fakeConnector{kind: params.KindDemo, setup: func(ctx context.Context) (connector.Channel, error) {
		<-ctx.Done()
		return nil, connector.SetupError(ctx, "dial", ctx.Err())
	}}
	st, err := New("c1", params.KindDemo, fc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Setup(ctx, paramsFor(params.KindDemo)) }()
	require.Eventually(t, func() bool { return st.Status() == Configuring }, time.Second, time.Millisecond)
	cancel()

	err = <-done
	assert.ErrorIs(t, err, cerrors.ErrCancelled)
	assert.Equal(t, Disconnected, st.Status())
	assert.NoError(t, st.Err())
	assert.False(t, st.Snapshot().HasChannel)
}

func TestSetupFailureIsRecorded(t *testing.T) {
	boom := errors.New("connection refused")
	fc := &fakeConnector{kind: params.KindDemo, setup: func(context.Context) (connector.Channel, error) { return nil, boom }}
	st, err := New("c1", params.KindDemo, fc)
	require.NoError(t, err)

	err = st.Setup(context.Background(), paramsFor(params.KindDemo))
	assert.ErrorIs(t, err, cerrors.ErrSetupFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, st.Status())
	assert.ErrorIs(t, st.Err(), boom)

	// Failed is re-enterable.
	fc.setup = func(context.Context) (connector.Channel, error) { return newFakeChannel(blockingSource()), nil }
	require.NoError(t, st.Setup(context.Background(), paramsFor(params.KindDemo)))
	assert.Equal(t, Connected, st.Status())
	assert.NoError(t, st.Err())
}

func TestSetupRejectsOtherKind(t *testing.T) {
	st, _ := connected(t, newFakeChannel(blockingSource()))
	err := st.Setup(context.Background(), paramsFor(params.KindTrino))
	assert.ErrorIs(t, err, cerrors.ErrInvalidParams)
	assert.Equal(t, Connected, st.Status())
}

func TestSetupFromConnectedReleasesPreviousChannel(t *testing.T) {
	first := newFakeChannel(blockingSource())
	st, fc := connected(t, first)

	second := newFakeChannel(blockingSource())
	fc.setup = func(context.Context) (connector.Channel, error) { return second, nil }
	require.NoError(t, st.Setup(context.Background(), paramsFor(params.KindDemo)))

	assert.Equal(t, int32(1), first.closed.Load())
	assert.Equal(t, int32(0), second.closed.Load())
	assert.Equal(t, Connected, st.Status())
}

func TestExecuteCompletesAndReturnsToConnected(t *testing.T) {
	st, err := New("demo", params.KindDemo, demo.New(connector.Deps{}))
	require.NoError(t, err)
	require.NoError(t, st.Setup(context.Background(), params.Demo(params.DemoParams{Batches: 3, RowsPerBatch: 5})))

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	require.NoError(t, err)
	assert.Equal(t, Executing, st.Status())

	var rows int
	require.NoError(t, s.Drain(func(b *query.Batch) error {
		rows += b.Len()
		return nil
	}))
	assert.Equal(t, 15, rows)
	assert.Equal(t, Connected, st.Status())
	assert.NoError(t, st.Err())
}

func TestCancelMidStreamReturnsToConnected(t *testing.T) {
	ch := newFakeChannel(blockingSource(batch(2)))
	st, _ := connected(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := st.ExecuteQuery(ctx, query.Args{Query: "select 1"})
	require.NoError(t, err)
	require.True(t, s.Next())

	cancel()
	assert.False(t, s.Next())
	assert.Nil(t, s.Batch())
	assert.Equal(t, query.StatusCancelled, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrCancelled)
	assert.Equal(t, 1, s.Batches())

	assert.Equal(t, Connected, st.Status())
	assert.NoError(t, st.Err())
	assert.Equal(t, int32(0), ch.closed.Load())
}

func TestCancelBeforeFirstBatchDisconnects(t *testing.T) {
	ch := newFakeChannel(blockingSource())
	st, fc := connected(t, ch)

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	require.NoError(t, err)
	s.Cancel()

	assert.Equal(t, Disconnected, st.Status())
	assert.NoError(t, st.Err())
	assert.False(t, st.Snapshot().HasChannel)
	assert.Equal(t, int32(1), ch.closed.Load())
	assert.Equal(t, int32(1), fc.resets.Load())
}

func TestExecuteFailure(t *testing.T) {
	boom := errors.New("connection reset by peer")
	failing := func() query.Source {
		return query.FuncSource{NextFunc: func(context.Context) (*query.Batch, error) { return nil, boom }}
	}

	t.Run("channel survives", func(t *testing.T) {
		st, _ := connected(t, newFakeChannel(failing))
		s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
		require.NoError(t, err)
		assert.False(t, s.Next())
		assert.ErrorIs(t, s.Err(), cerrors.ErrTransport)

		assert.Equal(t, Connected, st.Status())
		assert.ErrorIs(t, st.Err(), boom)

		// A retry is left to the caller and is possible right away.
		_, err = st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
		assert.NoError(t, err)
	})

	t.Run("channel died", func(t *testing.T) {
		ch := newFakeChannel(nil)
		ch.newSource = func() query.Source {
			return query.FuncSource{NextFunc: func(context.Context) (*query.Batch, error) {
				ch.alive.Store(false)
				return nil, cerrors.Wrap(cerrors.AuthExpired, "token rejected", boom)
			}}
		}
		st, _ := connected(t, ch)
		s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
		require.NoError(t, err)
		assert.False(t, s.Next())

		assert.Equal(t, Disconnected, st.Status())
		assert.ErrorIs(t, st.Err(), cerrors.ErrAuthExpired)
		assert.False(t, st.Snapshot().HasChannel)
	})
}

func TestExecuteOnContextAlreadyCancelled(t *testing.T) {
	ch := newFakeChannel(blockingSource(batch(1)))
	st, _ := connected(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.ExecuteQuery(ctx, query.Args{Query: "select 1"})
	assert.ErrorIs(t, err, cerrors.ErrCancelled)
	assert.Equal(t, Disconnected, st.Status())
}

func TestResetCancelsStream(t *testing.T) {
	ch := newFakeChannel(blockingSource(batch(1)))
	st, _ := connected(t, ch)

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	require.NoError(t, err)
	require.True(t, s.Next())

	require.NoError(t, st.Reset(context.Background()))
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusCancelled, s.Status())
	assert.Equal(t, Disconnected, st.Status())
	assert.Equal(t, int32(1), ch.closed.Load())

	// Reset from Disconnected is a no-op.
	require.NoError(t, st.Reset(context.Background()))
	assert.Equal(t, int32(1), ch.closed.Load())
}

func TestResetDiscardsStaleSetup(t *testing.T) {
	release := make(chan struct{})
	late := newFakeChannel(blockingSource())
	fc := &fakeConnector{kind: params.KindDemo, setup: func(context.Context) (connector.Channel, error) {
		<-release
		return late, nil
	}}
	st, err := New("c1", params.KindDemo, fc)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- st.Setup(context.Background(), paramsFor(params.KindDemo)) }()
	require.Eventually(t, func() bool { return st.Status() == Configuring }, time.Second, time.Millisecond)

	require.NoError(t, st.Reset(context.Background()))
	close(release)

	assert.ErrorIs(t, <-done, cerrors.ErrCancelled)
	assert.Equal(t, Disconnected, st.Status())
	assert.False(t, st.Snapshot().HasChannel)
	assert.Equal(t, int32(1), late.closed.Load())
}

func TestNeedsSetup(t *testing.T) {
	st, err := New("demo", params.KindDemo, demo.New(connector.Deps{}))
	require.NoError(t, err)

	p := params.Demo(params.DemoParams{Batches: 1, RowsPerBatch: 1})
	assert.True(t, st.NeedsSetup(p))
	require.NoError(t, st.Setup(context.Background(), p))
	assert.False(t, st.NeedsSetup(p))
	assert.True(t, st.NeedsSetup(params.Demo(params.DemoParams{Batches: 2, RowsPerBatch: 1})))

	got, ok := st.Params()
	require.True(t, ok)
	assert.Equal(t, p, got)

	require.NoError(t, st.Reset(context.Background()))
	assert.True(t, st.NeedsSetup(p))
}

func TestEventsAreOrdered(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	listener := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	ch := newFakeChannel(blockingSource(batch(1)))
	st, _ := connected(t, ch, WithListener(listener))

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "select 1"})
	require.NoError(t, err)
	stop := errors.New("stop")
	require.ErrorIs(t, s.Drain(func(*query.Batch) error { return stop }), stop)
	require.NoError(t, st.Reset(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	type step struct {
		from, to Status
		progress string
	}
	var got []step
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "c1", e.ConnectionID)
		s := step{from: e.From, to: e.To}
		if e.Progress != nil {
			s.progress = e.Progress.Step
		}
		got = append(got, s)
	}
	assert.Equal(t, []step{
		{Disconnected, Configuring, ""},
		{Configuring, Configuring, "dialing"},
		{Configuring, Connected, ""},
		{Connected, Executing, ""},
		{Executing, Connected, ""},
		{Connected, Disconnected, ""},
		{Disconnected, Disconnected, "released"},
	}, got)
}

func TestTrinoCancelAfterFirstBatch(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := trino.New(connector.Deps{BatchSize: 3}, trino.WithOpener(func(string, string) (*sql.DB, error) { return db, nil }))
	st, err := New("warehouse", params.KindTrino, c)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"_col0"}).AddRow(1))
	require.NoError(t, st.Setup(context.Background(), paramsFor(params.KindTrino)))
	require.Equal(t, Connected, st.Status())

	rows := sqlmock.NewRows([]string{"orderkey"})
	for i := 0; i < 12; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT orderkey FROM orders").WillReturnRows(rows)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := st.ExecuteQuery(ctx, query.Args{Query: "SELECT orderkey FROM orders"})
	require.NoError(t, err)

	require.True(t, s.Next())
	assert.Equal(t, 3, s.Batch().Len())
	cancel()
	assert.False(t, s.Next())

	assert.Equal(t, 1, s.Batches())
	assert.Equal(t, query.StatusCancelled, s.Status())
	assert.Equal(t, Connected, st.Status())
}

func TestHyperUnreachableEndpointFails(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c := hyper.New(connector.Deps{SetupTimeout: 300 * time.Millisecond})
	st, err := New("hyper", params.KindHyper, c)
	require.NoError(t, err)

	start := time.Now()
	err = st.Setup(context.Background(), params.Hyper(params.HyperParams{Endpoint: addr}))
	assert.ErrorIs(t, err, cerrors.ErrSetupFailed)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, Failed, st.Status())
	assert.ErrorIs(t, st.Err(), cerrors.ErrSetupFailed)
}

func TestRejectedStatementEndsTheStream(t *testing.T) {
	st, err := New("local", params.KindServerless, serverless.New(connector.Deps{}))
	require.NoError(t, err)
	require.NoError(t, st.Setup(context.Background(), params.Serverless(params.ServerlessParams{})))

	s, err := st.ExecuteQuery(context.Background(), query.Args{Query: "SELEKT 1"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrProtocol)

	assert.Equal(t, Connected, st.Status())
	assert.ErrorIs(t, st.Err(), cerrors.ErrProtocol)

	s, err = st.ExecuteQuery(context.Background(), query.Args{Query: "SELECT 1"})
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, int64(1), s.Batch().Rows[0][0])
	require.NoError(t, s.Close())
	require.NoError(t, st.Reset(context.Background()))
}

func TestDescribeTable(t *testing.T) {
	st, err := New("local", params.KindServerless, serverless.New(connector.Deps{}))
	require.NoError(t, err)
	id := catalog.TableIdentifier{Table: "orders"}

	_, err = st.DescribeTable(context.Background(), id)
	assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)

	path := filepath.Join(t.TempDir(), "orders.db")
	db, err := sql.Open(serverless.DriverName, path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE orders (id INTEGER, total REAL)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, st.Setup(context.Background(), params.Serverless(params.ServerlessParams{Database: path, ReadOnly: true})))

	tbl, err := st.DescribeTable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []query.Column{{Name: "id", Type: "INTEGER"}, {Name: "total", Type: "REAL"}}, tbl.Columns)
	assert.Equal(t, Connected, st.Status())

	_, err = st.DescribeTable(context.Background(), catalog.TableIdentifier{Table: "missing"})
	assert.ErrorIs(t, err, catalog.ErrTableNotFound)
	require.NoError(t, st.Reset(context.Background()))
}

func TestDescribeTableUnsupported(t *testing.T) {
	st, err := New("local", params.KindDemo, demo.New(connector.Deps{}))
	require.NoError(t, err)
	require.NoError(t, st.Setup(context.Background(), params.Demo(params.DefaultDemoParams())))

	_, err = st.DescribeTable(context.Background(), catalog.TableIdentifier{Table: "orders"})
	assert.ErrorIs(t, err, cerrors.ErrUnsupported)
}
