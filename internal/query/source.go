// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package query

import (
	"context"
	"io"
)

// SliceSource yields fixed batches in order.
func SliceSource(batches ...*Batch) Source {
	return &sliceSource{batches: batches}
}

type sliceSource struct {
	batches []*Batch
	next    int
}

func (s *sliceSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}

func (s *sliceSource) Close() error { return nil }

// FuncSource adapts functions into a Source. A nil CloseFunc is a no-op.
type FuncSource struct {
	NextFunc  func(ctx context.Context) (*Batch, error)
	CloseFunc func() error
}

func (f FuncSource) Next(ctx context.Context) (*Batch, error) { return f.NextFunc(ctx) }

func (f FuncSource) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}

// Failed returns a stream that ends with err on its first Next. It carries rejections
// that happen before the backend produced any batch.
func Failed(ctx context.Context, err error) *Stream {
	return NewStream(ctx, FuncSource{NextFunc: func(context.Context) (*Batch, error) { return nil, err }})
}
