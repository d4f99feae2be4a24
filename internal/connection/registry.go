// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"

	"golang.org/x/sync/errgroup"
)

// Registry keeps exactly one State per connection id.
type Registry struct {
	set  *connector.Set
	opts []Option

	mu     sync.Mutex
	states map[string]*State
}

// NewRegistry creates a registry that builds states from set. opts apply to every state.
func NewRegistry(set *connector.Set, opts ...Option) *Registry {
	return &Registry{set: set, opts: opts, states: make(map[string]*State)}
}

// Add creates the state of a new connection.
func (r *Registry) Add(id string, kind params.Kind) (*State, error) {
	if id == "" {
		return nil, cerrors.New(cerrors.InvalidParams, "connection id is required")
	}
	conn, err := r.set.Lookup(kind)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; ok {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("connection %q already exists", id))
	}
	st, err := New(id, kind, conn, r.opts...)
	if err != nil {
		return nil, err
	}
	r.states[id] = st
	return st, nil
}

// Get returns the state of id.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	return st, ok
}

// Remove resets the connection and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.states[id]
	delete(r.states, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return st.Reset(ctx)
}

// List returns snapshots of all connections ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	states := make([]*State, 0, len(r.states))
	for _, st := range r.states {
		states = append(states, st)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(states))
	for i, st := range states {
		out[i] = st.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close resets every connection concurrently and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*State)
	r.mu.Unlock()

	var g errgroup.Group
	for _, st := range states {
		g.Go(func() error { return st.Reset(ctx) })
	}
	return g.Wait()
}
