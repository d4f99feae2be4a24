// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/catalog"
	"dashql/cli/internal/config"
	"dashql/cli/internal/connection"
	"dashql/cli/internal/connector"
	"dashql/cli/internal/connector/demo"
	"dashql/cli/internal/connector/hyper"
	"dashql/cli/internal/connector/salesforce"
	"dashql/cli/internal/connector/serverless"
	"dashql/cli/internal/connector/trino"
	"dashql/cli/internal/keychain"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/store"
	"dashql/cli/internal/store/postgres"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// app bundles the collaborators a command needs. It is built per invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	keys   *keychain.Manager
	tokens auth.TokenProvider
	store  store.Store
	set    *connector.Set

	registry *connection.Registry
}

// openApp loads configuration, opens the credential and connection stores, and builds
// the connector set.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Overlay(&cfg, envFile); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	var lookup catalog.Lookup = catalog.Noop{}
	switch cfg.Store.Kind {
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout())
		defer cancel()
		pg, err := postgres.Open(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open connection store: %w", err)
		}
		a.store = pg
		lookup = postgres.NewCatalog(pg.Pool())
	default:
		fs, err := store.OpenDefault()
		if err != nil {
			return nil, fmt.Errorf("open connection store: %w", err)
		}
		a.store = fs
	}

	if km, err := keychain.Open(); err == nil {
		a.keys = km
		a.tokens = auth.NewKeychain(km, a.refreshOptions(cmd.Context())...)
	} else {
		logger.Debug("credential store unavailable", "error", err)
		a.tokens = auth.NewStatic()
	}

	deps := connector.Deps{
		Logger:       logger,
		Tokens:       a.tokens,
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		Catalog:      lookup,
		SetupTimeout: cfg.Timeout(),
		BatchSize:    cfg.BatchSize,
	}
	set, err := connector.NewSet(
		demo.New(deps),
		hyper.New(deps),
		salesforce.New(deps),
		trino.New(deps),
		serverless.New(deps),
	)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.set = set
	return a, nil
}

// Close resets every opened connection and closes the store.
func (a *app) Close() {
	if a.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.registry.Close(ctx); err != nil {
			a.logger.Debug("reset connections", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Debug("close store", "error", err)
	}
}

// refreshOptions registers a refresh config for every Salesforce connection with a
// client id, so expired tokens stored with a refresh token are rotated.
func (a *app) refreshOptions(ctx context.Context) []auth.KeychainOption {
	opts := []auth.KeychainOption{auth.WithLogger(a.logger)}
	entries, err := a.store.List(ctx)
	if err != nil {
		a.logger.Debug("list connections", "error", err)
		return opts
	}
	for _, e := range entries {
		sf := e.Params.Salesforce
		if e.Params.Kind != params.KindSalesforce || sf == nil || sf.ClientID == "" {
			continue
		}
		opts = append(opts, auth.WithRefresh(e.ID, &oauth2.Config{
			ClientID: sf.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  strings.TrimSuffix(sf.InstanceURL, "/") + "/services/oauth2/authorize",
				TokenURL: strings.TrimSuffix(sf.InstanceURL, "/") + "/services/oauth2/token",
			},
		}))
	}
	return opts
}

// entry loads the stored definition of id.
func (a *app) entry(ctx context.Context, id string) (store.Entry, error) {
	e, err := a.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return e, fmt.Errorf("connection %q not found; add it with 'dashql connections add'", id)
	}
	return e, err
}

// withSecrets injects keychain secrets the connectors do not fetch themselves.
// Bearer tokens are resolved by the connectors through the token provider.
func (a *app) withSecrets(id string, p params.Params) params.Params {
	if p.Kind != params.KindTrino || p.Trino == nil || p.Trino.Password != "" || a.keys == nil {
		return p
	}
	pw, err := a.keys.LoadPassword(id)
	if err != nil {
		if !errors.Is(err, keychain.ErrNotFound) {
			a.logger.Debug("load password", "connection", id, "error", err)
		}
		return p
	}
	tr := *p.Trino
	tr.Password = pw
	p.Trino = &tr
	return p
}

// open creates the connection state of id and returns it with its params.
func (a *app) open(ctx context.Context, id string, listener connection.Listener) (*connection.State, params.Params, error) {
	e, err := a.entry(ctx, id)
	if err != nil {
		return nil, params.Params{}, err
	}
	if a.registry == nil {
		a.registry = connection.NewRegistry(a.set, connection.WithLogger(a.logger), connection.WithListener(listener))
	}
	st, err := a.registry.Add(id, e.Params.Kind)
	if err != nil {
		return nil, params.Params{}, err
	}
	return st, a.withSecrets(id, e.Params), nil
}

func (a *app) requireKeychain() error {
	if a.keys == nil {
		return errors.New("no OS credential store is available on this system")
	}
	return nil
}
