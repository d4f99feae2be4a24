// Package auth supplies bearer tokens to connectors. Token acquisition itself happens
// elsewhere (an OAuth provider or a pasted token); this package only stores, refreshes
// and hands out what was acquired, keyed by connection id.
package auth

import (
	"context"
	"errors"
	"sync"

	cerrors "dashql/cli/internal/errors"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when no token is stored for a connection.
var ErrNoToken = errors.New("no token stored for connection")

// TokenProvider hands out bearer tokens per connection.
type TokenProvider interface {
	Token(ctx context.Context, connectionID string) (*oauth2.Token, error)
}

// Static serves fixed tokens. Useful in tests and for one-shot CLI invocations.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

// NewStatic creates an empty Static provider.
func NewStatic() *Static {
	return &Static{tokens: make(map[string]*oauth2.Token)}
}

// Set stores tok for connectionID.
func (s *Static) Set(connectionID string, tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[connectionID] = tok
}

// Token returns the stored token. Expired tokens yield an AuthExpired error.
func (s *Static) Token(_ context.Context, connectionID string) (*oauth2.Token, error) {
	s.mu.RLock()
	tok, ok := s.tokens[connectionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoToken
	}
	if !tok.Valid() {
		return nil, cerrors.New(cerrors.AuthExpired, "stored token has expired")
	}
	return tok, nil
}

// Verify interface compliance.
var _ TokenProvider = (*Static)(nil)
