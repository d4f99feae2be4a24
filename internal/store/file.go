// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/xdg"
)

// FileName is the name of the connections file in the config dir.
const FileName = "connections.json"

type fileDoc struct {
	Connections []fileEntry `json:"connections"`
}

type fileEntry struct {
	ID        string          `json:"id"`
	Params    json.RawMessage `json:"params"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// File keeps all entries in a single JSON file written with 0600 permissions.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a store backed by path. The file is created on the first Put.
func NewFile(path string) *File {
	return &File{path: path}
}

// OpenDefault returns the file store in the XDG config dir.
func OpenDefault() (*File, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewFile(filepath.Join(dir, FileName)), nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) read() (map[string]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	out := make(map[string]Entry, len(doc.Connections))
	for _, fe := range doc.Connections {
		p, err := params.UnmarshalJSON(fe.Params)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", fe.ID, err)
		}
		out[fe.ID] = Entry{ID: fe.ID, Params: p, UpdatedAt: fe.UpdatedAt}
	}
	return out, nil
}

func (f *File) write(entries map[string]Entry) error {
	doc := fileDoc{Connections: make([]fileEntry, 0, len(entries))}
	for _, e := range sorted(entries) {
		raw, err := params.MarshalJSON(e.Params)
		if err != nil {
			return fmt.Errorf("connection %q: %w", e.ID, err)
		}
		doc.Connections = append(doc.Connections, fileEntry{ID: e.ID, Params: raw, UpdatedAt: e.UpdatedAt})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *File) List(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return nil, err
	}
	return sorted(entries), nil
}

func (f *File) Get(_ context.Context, id string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return Entry{}, err
	}
	e, ok := entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put validates e and stores it without secrets.
func (f *File) Put(_ context.Context, e Entry) error {
	if e.ID == "" {
		return cerrors.New(cerrors.InvalidParams, "connection id is required")
	}
	if err := e.Params.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return err
	}
	e.Params = e.Params.WithoutSecrets()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	entries[e.ID] = e
	return f.write(entries)
}

func (f *File) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := entries[id]; !ok {
		return ErrNotFound
	}
	delete(entries, id)
	return f.write(entries)
}

func (f *File) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*File)(nil)
