// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cerrors "dashql/cli/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(n int) *Batch {
	b := &Batch{Columns: []Column{{Name: "n", Type: "int"}}}
	for i := 0; i < n; i++ {
		b.Rows = append(b.Rows, []any{i})
	}
	return b
}

// blockingSource yields first and then blocks until ctx is done.
type blockingSource struct {
	first  *Batch
	served bool
	closed atomic.Int32
}

func (s *blockingSource) Next(ctx context.Context) (*Batch, error) {
	if !s.served && s.first != nil {
		s.served = true
		return s.first, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.closed.Add(1)
	return nil
}

func TestStreamCompletes(t *testing.T) {
	s := NewStream(context.Background(), SliceSource(rows(2), rows(3)))

	var seen int
	err := s.Drain(func(b *Batch) error {
		seen += b.Len()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, 2, s.Batches())
	assert.False(t, s.Next(), "completed stream is not restartable")
}

func TestStreamEmpty(t *testing.T) {
	s := NewStream(context.Background(), SliceSource())
	assert.False(t, s.Next())
	assert.Equal(t, StatusCompleted, s.Status())
	assert.NoError(t, s.Err())
}

func TestStreamCancelWhileBlocked(t *testing.T) {
	src := &blockingSource{first: rows(1)}
	s := NewStream(context.Background(), src)

	require.True(t, s.Next())

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Cancel()
	}()
	assert.False(t, s.Next())
	assert.Equal(t, StatusCancelled, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrCancelled)
	assert.Equal(t, 1, s.Batches())

	assert.Eventually(t, func() bool { return src.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStreamCancelViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{}
	s := NewStream(ctx, src)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not observe context cancellation")
	}
	assert.False(t, s.Next())
	assert.Equal(t, StatusCancelled, s.Status())
}

func TestStreamNoBatchAfterCancel(t *testing.T) {
	release := make(chan struct{})
	src := FuncSource{NextFunc: func(ctx context.Context) (*Batch, error) {
		<-release
		return rows(1), nil
	}}
	s := NewStream(context.Background(), src)

	result := make(chan bool, 1)
	go func() { result <- s.Next() }()
	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	close(release)

	assert.False(t, <-result)
	assert.Nil(t, s.Batch())
	assert.Equal(t, 0, s.Batches())
}

func TestStreamFailure(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	src := FuncSource{NextFunc: func(ctx context.Context) (*Batch, error) {
		calls++
		if calls == 1 {
			return rows(1), nil
		}
		return nil, boom
	}}
	s := NewStream(context.Background(), src)

	require.True(t, s.Next())
	assert.False(t, s.Next())
	assert.Equal(t, StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrTransport)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStreamKeepsClassifiedErrors(t *testing.T) {
	src := FuncSource{NextFunc: func(ctx context.Context) (*Batch, error) {
		return nil, cerrors.New(cerrors.ProtocolError, "bad frame")
	}}
	s := NewStream(context.Background(), src)
	assert.False(t, s.Next())
	assert.Equal(t, cerrors.ProtocolError, cerrors.KindOf(s.Err()))
}

func TestStreamMaxRows(t *testing.T) {
	s := NewStream(context.Background(), SliceSource(rows(4), rows(4), rows(4)), WithMaxRows(6))

	var total int
	require.NoError(t, s.Drain(func(b *Batch) error {
		total += b.Len()
		return nil
	}))
	assert.Equal(t, 6, total)
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestStreamTimeout(t *testing.T) {
	s := NewStream(context.Background(), &blockingSource{}, WithTimeout(20*time.Millisecond))
	assert.False(t, s.Next())
	assert.Equal(t, StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrTransport)
}

func TestStreamOnFinishRunsOnce(t *testing.T) {
	s := NewStream(context.Background(), SliceSource(rows(2)))

	var calls atomic.Int32
	var got Outcome
	s.OnFinish(func(o Outcome) {
		calls.Add(1)
		got = o
	})
	require.NoError(t, s.Drain(func(*Batch) error { return nil }))
	s.Cancel()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Outcome{Status: StatusCompleted, Batches: 1, Rows: 2}, got)

	var late Outcome
	s.OnFinish(func(o Outcome) { late = o })
	assert.Equal(t, StatusCompleted, late.Status)
}

func TestStreamDrainCallbackError(t *testing.T) {
	src := &blockingSource{first: rows(1)}
	s := NewStream(context.Background(), src)

	stop := errors.New("stop")
	err := s.Drain(func(*Batch) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, StatusCancelled, s.Status())
	assert.Equal(t, int32(1), src.closed.Load())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "open", StatusOpen.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestFailedStream(t *testing.T) {
	boom := cerrors.New(cerrors.AuthExpired, "token expired")
	s := Failed(context.Background(), boom)

	var got Outcome
	s.OnFinish(func(o Outcome) { got = o })
	assert.False(t, s.Next())
	assert.Equal(t, StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrAuthExpired)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.Batches)
}
