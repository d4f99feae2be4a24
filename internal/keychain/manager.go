// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keychain stores per-connection secrets in the OS credential store.
// Bearer tokens and database passwords never reach the config file or the persisted
// connection params; they live here under keys namespaced by connection id.
//
// The Manager is an explicit dependency: callers open one with Open (OS backends) or
// NewManager (any keyring.Keyring, e.g. an in-memory ring in tests) and pass it down.
package keychain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName identifies our keychain/credential store namespace.
const ServiceName = "dashql"

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("secret not found")

// Secret namespaces.
const (
	NamespaceToken    = "token"
	NamespacePassword = "password"
)

// backend is the minimal credential store surface the Manager needs.
type backend interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// Manager provides thread-safe per-connection secret operations.
type Manager struct {
	mu      sync.RWMutex
	backend backend
}

// NewManager wraps an opened keyring.
func NewManager(ring keyring.Keyring) *Manager {
	return &Manager{backend: ringBackend{ring: ring}}
}

// Open opens the OS credential store. On macOS the security command is preferred.
func Open() (*Manager, error) {
	if runtime.GOOS == "darwin" {
		if b, err := newSecurityBackend(); err == nil {
			return &Manager{backend: b}, nil
		}
	}
	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return NewManager(ring), nil
}

// openRing opens the OS keyring using native platform backends only. There is no file
// fallback: secrets either go to a real credential store or nowhere.
func openRing() (keyring.Keyring, error) {
	var allowed []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		allowed = []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		allowed = []keyring.BackendType{keyring.WinCredBackend}
	case "linux":
		allowed = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend, keyring.PassBackend}
	default:
		return nil, fmt.Errorf("secure storage not supported on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: allowed,
		PassPrefix:      ServiceName,
		WinCredPrefix:   ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return ring, nil
}

// Key builds the storage key of a secret.
func Key(namespace, connectionID string) string {
	return namespace + "/" + connectionID
}

func validID(connectionID string) error {
	if strings.TrimSpace(connectionID) == "" || strings.Contains(connectionID, "/") {
		return fmt.Errorf("invalid connection id %q", connectionID)
	}
	return nil
}

// Save stores a secret for a connection.
func (m *Manager) Save(namespace, connectionID, value string) error {
	if err := validID(connectionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Set(Key(namespace, connectionID), value)
}

// Load retrieves a secret. It returns ErrNotFound when nothing is stored.
func (m *Manager) Load(namespace, connectionID string) (string, error) {
	if err := validID(connectionID); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.backend.Get(Key(namespace, connectionID))
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// SaveToken stores a serialized token for a connection.
func (m *Manager) SaveToken(connectionID string, data []byte) error {
	return m.Save(NamespaceToken, connectionID, string(data))
}

// LoadToken retrieves the serialized token of a connection.
func (m *Manager) LoadToken(connectionID string) ([]byte, error) {
	v, err := m.Load(NamespaceToken, connectionID)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// SavePassword stores a database password for a connection.
func (m *Manager) SavePassword(connectionID, password string) error {
	return m.Save(NamespacePassword, connectionID, password)
}

// LoadPassword retrieves the database password of a connection.
func (m *Manager) LoadPassword(connectionID string) (string, error) {
	return m.Load(NamespacePassword, connectionID)
}

// Clear removes every secret of a connection. Missing entries are ignored.
func (m *Manager) Clear(connectionID string) error {
	if err := validID(connectionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, ns := range []string{NamespaceToken, NamespacePassword} {
		if err := m.backend.Delete(Key(ns, connectionID)); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ringBackend adapts a keyring.Keyring.
type ringBackend struct {
	ring keyring.Keyring
}

func (r ringBackend) Set(key, value string) error {
	return r.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: ServiceName + " " + key})
}

func (r ringBackend) Get(key string) (string, error) {
	it, err := r.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(it.Data), nil
}

func (r ringBackend) Delete(key string) error {
	err := r.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
