// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package query

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	cerrors "dashql/cli/internal/errors"
)

// Status is the lifecycle state of a Stream.
type Status int

const (
	StatusOpen Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further batches can be delivered.
func (s Status) Terminal() bool { return s != StatusOpen }

// Outcome summarizes a finished stream.
type Outcome struct {
	Status  Status
	Err     error
	Batches int
	Rows    int
}

// Source produces result batches for a Stream. Next returns io.EOF after the last batch.
// Next must honor ctx; Close is called exactly once and never concurrently with Next.
type Source interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithMaxRows truncates the stream after n rows and completes it.
func WithMaxRows(n int) StreamOption {
	return func(s *Stream) { s.maxRows = n }
}

// WithTimeout fails the stream with a TransportError when it is still open after d.
func WithTimeout(d time.Duration) StreamOption {
	return func(s *Stream) { s.timeout = d }
}

type pullResult struct {
	batch *Batch
	err   error
}

// Stream is a lazy, finite, non-restartable sequence of result batches.
//
// Batches are pulled on demand with Next. The stream ends with completion, a terminal
// error, or cancellation, either through the context passed to NewStream or through
// Cancel. After cancellation no further batches are delivered and Err reports a
// Cancelled error. Next must not be called concurrently; every other method may be.
type Stream struct {
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	src     Source
	maxRows int
	timeout time.Duration

	closeOnce sync.Once

	mu        sync.Mutex
	status    Status
	err       error
	cur       *Batch
	batches   int
	rows      int
	inflight  bool
	hooks     []func(Outcome)
	done      chan struct{}
	stopWatch func() bool
	timer     *time.Timer
}

// NewStream wraps src. Cancelling ctx cancels the stream.
func NewStream(ctx context.Context, src Source, opts ...StreamOption) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		parent: ctx,
		ctx:    sctx,
		cancel: cancel,
		src:    src,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	s.stopWatch = context.AfterFunc(ctx, s.Cancel)
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, func() {
			s.finish(StatusFailed, cerrors.New(cerrors.TransportError, "query exceeded its timeout"))
		})
	}
	s.mu.Unlock()
	return s
}

// Next pulls the next batch. It returns false once the stream is terminal and its
// OnFinish hooks have run; Err then reports why.
func (s *Stream) Next() bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		<-s.done
		return false
	}
	if s.inflight {
		s.mu.Unlock()
		return false
	}
	if s.maxRows > 0 && s.rows >= s.maxRows {
		s.mu.Unlock()
		s.finish(StatusCompleted, nil)
		return false
	}
	s.inflight = true
	s.cur = nil
	s.mu.Unlock()

	ch := make(chan pullResult, 1)
	go func() {
		b, err := s.src.Next(s.ctx)
		s.mu.Lock()
		s.inflight = false
		terminal := s.status.Terminal()
		s.mu.Unlock()
		if terminal {
			s.closeSource()
		}
		ch <- pullResult{batch: b, err: err}
	}()

	select {
	case r := <-ch:
		if s.accept(r) {
			return true
		}
		<-s.done
		return false
	case <-s.done:
		return false
	}
}

func (s *Stream) accept(r pullResult) bool {
	if s.parent.Err() != nil {
		s.finish(StatusCancelled, nil)
		return false
	}
	switch {
	case errors.Is(r.err, io.EOF):
		s.finish(StatusCompleted, nil)
		return false
	case r.err != nil:
		if s.ctx.Err() != nil || cerrors.IsKind(r.err, cerrors.Cancelled) {
			s.finish(StatusCancelled, nil)
			return false
		}
		s.finish(StatusFailed, cerrors.Classify(r.err, cerrors.TransportError, "read result batch"))
		return false
	case r.batch == nil:
		s.finish(StatusFailed, cerrors.New(cerrors.ProtocolError, "backend returned an empty batch"))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	b := r.batch
	if s.maxRows > 0 && s.rows+len(b.Rows) > s.maxRows {
		b = &Batch{Columns: b.Columns, Rows: b.Rows[:s.maxRows-s.rows]}
	}
	s.cur = b
	s.batches++
	s.rows += len(b.Rows)
	return true
}

// finish moves the stream into a terminal state. Only the first call has an effect.
func (s *Stream) finish(status Status, err error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if status == StatusCancelled {
		err = cerrors.New(cerrors.Cancelled, "query stream cancelled")
	}
	s.status = status
	s.err = err
	s.cur = nil
	hooks := s.hooks
	s.hooks = nil
	out := s.outcomeLocked()
	inflight := s.inflight
	stop := s.stopWatch
	timer := s.timer
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if timer != nil {
		timer.Stop()
	}
	s.cancel()
	if !inflight {
		s.closeSource()
	}
	for _, h := range hooks {
		h(out)
	}
	close(s.done)
}

func (s *Stream) closeSource() {
	s.closeOnce.Do(func() { _ = s.src.Close() })
}

func (s *Stream) outcomeLocked() Outcome {
	return Outcome{Status: s.status, Err: s.err, Batches: s.batches, Rows: s.rows}
}

// Batch returns the batch produced by the last successful Next.
func (s *Stream) Batch() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Err returns nil while open or after completion, otherwise the terminal error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns the current status.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Batches returns the number of batches delivered so far.
func (s *Stream) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Done is closed when the stream has become terminal and its OnFinish hooks have run.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel stops the stream. It is safe to call at any time and more than once.
func (s *Stream) Cancel() { s.finish(StatusCancelled, nil) }

// Close releases the stream, cancelling it when still open.
func (s *Stream) Close() error {
	s.Cancel()
	return nil
}

// OnFinish registers fn to run once with the stream's outcome. When the stream is
// already terminal fn runs immediately. fn must not call Next.
func (s *Stream) OnFinish(fn func(Outcome)) {
	s.mu.Lock()
	if s.status.Terminal() {
		out := s.outcomeLocked()
		s.mu.Unlock()
		fn(out)
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Drain pulls every batch into fn. An error from fn cancels the stream and is returned.
func (s *Stream) Drain(fn func(*Batch) error) error {
	for s.Next() {
		if err := fn(s.Batch()); err != nil {
			s.Cancel()
			return err
		}
	}
	return s.Err()
}
