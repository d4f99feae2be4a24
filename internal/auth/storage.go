// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/keychain"

	"golang.org/x/oauth2"
)

// Keychain is a TokenProvider persisting tokens in the OS keychain. Tokens are stored
// as JSON under the connection's token key. When a stored token has expired and an
// oauth2.Config is registered for the connection, the refresh token is exchanged and
// the rotated token is written back.
type Keychain struct {
	km     *keychain.Manager
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]*oauth2.Config
}

// KeychainOption configures a Keychain provider.
type KeychainOption func(*Keychain)

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) KeychainOption {
	return func(k *Keychain) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithRefresh registers the oauth2 config used to refresh tokens of a connection.
func WithRefresh(connectionID string, cfg *oauth2.Config) KeychainOption {
	return func(k *Keychain) { k.configs[connectionID] = cfg }
}

// NewKeychain creates a keychain-backed provider.
func NewKeychain(km *keychain.Manager, opts ...KeychainOption) *Keychain {
	k := &Keychain{
		km:      km,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		configs: make(map[string]*oauth2.Config),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Save stores tok for connectionID. A missing expiry is filled from the JWT exp claim
// when the access token is a JWT.
func (k *Keychain) Save(connectionID string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("refusing to store an empty token")
	}
	if tok.Expiry.IsZero() {
		if exp, ok := TokenExpiry(tok.AccessToken); ok {
			cp := *tok
			cp.Expiry = exp
			tok = &cp
		}
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return k.km.SaveToken(connectionID, b)
}

// Clear removes the stored token and password of connectionID.
func (k *Keychain) Clear(connectionID string) error {
	return k.km.Clear(connectionID)
}

// Token returns a valid token for connectionID, refreshing it when possible.
func (k *Keychain) Token(ctx context.Context, connectionID string) (*oauth2.Token, error) {
	b, err := k.km.LoadToken(connectionID)
	if errors.Is(err, keychain.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	if tok.Valid() {
		return &tok, nil
	}

	k.mu.Lock()
	cfg := k.configs[connectionID]
	k.mu.Unlock()
	if cfg == nil || tok.RefreshToken == "" {
		return nil, cerrors.New(cerrors.AuthExpired, "stored token has expired, log in again")
	}

	k.logger.Debug("refreshing token", "connection", connectionID)
	fresh, err := cfg.TokenSource(ctx, &tok).Token()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.AuthExpired, "refresh token rejected", err)
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := k.Save(connectionID, fresh); err != nil {
			k.logger.Warn("could not persist refreshed token", "connection", connectionID, "error", err)
		}
	}
	return fresh, nil
}

// Verify interface compliance.
var _ TokenProvider = (*Keychain)(nil)
