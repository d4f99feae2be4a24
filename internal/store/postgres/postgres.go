// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package postgres stores connection definitions in a shared PostgreSQL table over a
// pgx connection pool, and exposes the database's own tables as a catalog lookup.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dashql/cli/internal/dsn"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table is the name of the connections table.
const Table = "dashql_connections"

const createTable = `
	CREATE TABLE IF NOT EXISTS ` + Table + ` (
		id         text PRIMARY KEY,
		params     bytea NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`

// Store is a store.Store over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open validates rawDSN, connects, and creates the table when missing.
func Open(ctx context.Context, rawDSN string, logger *slog.Logger) (*Store, error) {
	info, err := dsn.NewPostgreSQLResolver().Parse(rawDSN)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(rawDSN)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", info.Redacted(), err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect %s: %w", info.Redacted(), err)
	}
	s := New(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrDiscard(logger)}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the connections table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, createTable)
	return err
}

func (s *Store) List(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, params, updated_at FROM `+Table+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (store.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, params, updated_at FROM `+Table+` WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Entry{}, store.ErrNotFound
	}
	return e, err
}

// Put upserts e in its protobuf wire form. Secrets are never written.
func (s *Store) Put(ctx context.Context, e store.Entry) error {
	if e.ID == "" {
		return cerrors.New(cerrors.InvalidParams, "connection id is required")
	}
	if err := e.Params.Validate(); err != nil {
		return err
	}
	b, err := params.Marshal(e.Params)
	if err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO `+Table+` (id, params, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET params = EXCLUDED.params, updated_at = EXCLUDED.updated_at`,
		e.ID, b, e.UpdatedAt)
	if err != nil {
		return err
	}
	s.logger.Debug("stored connection", "connection", e.ID, "kind", string(e.Params.Kind))
	return tx.Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM `+Table+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanEntry(row pgx.Row) (store.Entry, error) {
	var (
		e   store.Entry
		raw []byte
	)
	if err := row.Scan(&e.ID, &raw, &e.UpdatedAt); err != nil {
		return store.Entry{}, err
	}
	p, err := params.Unmarshal(raw)
	if err != nil {
		return store.Entry{}, fmt.Errorf("connection %q: %w", e.ID, err)
	}
	e.Params = p
	return e, nil
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
