// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package store persists connection definitions. Entries hold params in their wire
// form, which never carries secrets; tokens and passwords stay in the keychain.
package store

import (
	"context"
	"errors"
	"time"

	"dashql/cli/internal/params"
)

// ErrNotFound is returned when no entry exists for an id.
var ErrNotFound = errors.New("connection not found")

// Entry is one persisted connection.
type Entry struct {
	ID        string
	Params    params.Params
	UpdatedAt time.Time
}

// Store reads and writes connection entries.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Close() error
}
