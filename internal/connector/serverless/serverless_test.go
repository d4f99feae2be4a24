// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package serverless

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"dashql/cli/internal/catalog"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, c *Connector, sp params.ServerlessParams) *Channel {
	t.Helper()
	ch, err := c.Setup(context.Background(), "local", params.Serverless(sp), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch.(*Channel)
}

func seed(t *testing.T, ch *Channel, n int) {
	t.Helper()
	_, err := ch.db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, kind TEXT NOT NULL, weight REAL)`)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := ch.db.Exec(`INSERT INTO events (id, kind, weight) VALUES (?, ?, ?)`, i, fmt.Sprintf("k%d", i%3), float64(i)/2)
		require.NoError(t, err)
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, Memory, DSN(params.ServerlessParams{}))
	assert.Equal(t, Memory, DSN(params.ServerlessParams{Database: Memory, ReadOnly: true}))
	assert.Equal(t, "file:/tmp/a.db?_busy_timeout=5000&mode=ro", DSN(params.ServerlessParams{Database: "/tmp/a.db", ReadOnly: true}))
	assert.Equal(t, "file:/tmp/a.db?_busy_timeout=5000", DSN(params.ServerlessParams{Database: "/tmp/a.db"}))
}

func TestServerlessQueryBatches(t *testing.T) {
	c := New(connector.Deps{BatchSize: 4})
	ch := open(t, c, params.ServerlessParams{Database: Memory})
	seed(t, ch, 10)

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELECT id, kind FROM events ORDER BY id"})
	require.NoError(t, err)

	var sizes []int
	var last []any
	require.NoError(t, s.Drain(func(b *query.Batch) error {
		sizes = append(sizes, b.Len())
		assert.Equal(t, []string{"id", "kind"}, b.ColumnNames())
		last = b.Rows[b.Len()-1]
		return nil
	}))
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []any{int64(9), "k0"}, last)
	assert.Equal(t, query.StatusCompleted, s.Status())
}

func TestServerlessMaxRowsAndBatchOverride(t *testing.T) {
	c := New(connector.Deps{})
	ch := open(t, c, params.ServerlessParams{})
	seed(t, ch, 10)

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{
		Query:   "SELECT id FROM events",
		Options: query.Options{MaxRows: 5, BatchSize: 3},
	})
	require.NoError(t, err)

	var total int
	require.NoError(t, s.Drain(func(b *query.Batch) error {
		total += b.Len()
		return nil
	}))
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, s.Batches())
}

func TestServerlessCancelAfterFirstBatch(t *testing.T) {
	c := New(connector.Deps{BatchSize: 2})
	ch := open(t, c, params.ServerlessParams{})
	seed(t, ch, 6)

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELECT id FROM events"})
	require.NoError(t, err)
	require.True(t, s.Next())
	s.Cancel()
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusCancelled, s.Status())
	assert.True(t, ch.Alive())

	// The single connection is released, so the channel serves the next query.
	s, err = c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELECT count(*) FROM events"})
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, int64(6), s.Batch().Rows[0][0])
}

func TestServerlessBadStatement(t *testing.T) {
	c := New(connector.Deps{})
	ch := open(t, c, params.ServerlessParams{})

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELEKT nothing"})
	require.NoError(t, err)
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrProtocol)
	assert.Equal(t, 0, s.Batches())
	assert.True(t, ch.Alive())
}

func TestServerlessReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	c := New(connector.Deps{})

	rw := open(t, c, params.ServerlessParams{Database: path})
	seed(t, rw, 1)
	require.NoError(t, rw.Close())

	ro := open(t, c, params.ServerlessParams{Database: path, ReadOnly: true})
	_, err := ro.db.Exec(`INSERT INTO events (id, kind) VALUES (99, 'x')`)
	assert.Error(t, err)
}

func TestServerlessMissingReadOnlyFile(t *testing.T) {
	c := New(connector.Deps{})
	p := params.Serverless(params.ServerlessParams{Database: filepath.Join(t.TempDir(), "missing.db"), ReadOnly: true})
	_, err := c.Setup(context.Background(), "local", p, nil)
	assert.ErrorIs(t, err, cerrors.ErrSetupFailed)
}

func TestServerlessResetAndCancelledSetup(t *testing.T) {
	c := New(connector.Deps{})
	ch := open(t, c, params.ServerlessParams{})
	require.NoError(t, c.Reset(context.Background(), ch, nil))
	_, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELECT 1"})
	assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Setup(ctx, "local", params.Serverless(params.ServerlessParams{}), nil)
	assert.ErrorIs(t, err, cerrors.ErrCancelled)
}

func TestCatalog(t *testing.T) {
	c := New(connector.Deps{})
	ch := open(t, c, params.ServerlessParams{})
	seed(t, ch, 0)

	tbl, err := ch.Describe(context.Background(), catalog.TableIdentifier{Table: "events"})
	require.NoError(t, err)
	assert.Equal(t, []query.Column{{Name: "id", Type: "INTEGER"}, {Name: "kind", Type: "TEXT"}, {Name: "weight", Type: "REAL"}}, tbl.Columns)

	_, err = ch.Describe(context.Background(), catalog.TableIdentifier{Schema: "main", Table: "nope"})
	assert.ErrorIs(t, err, catalog.ErrTableNotFound)

	require.NoError(t, ch.Close())
	_, err = ch.Describe(context.Background(), catalog.TableIdentifier{Table: "events"})
	assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)
}
