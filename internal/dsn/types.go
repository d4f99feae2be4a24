// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dsn parses and normalizes the endpoints dashql connects to: the Postgres DSN
// of the shared connection store, Trino coordinator URLs and Hyper gRPC targets.
package dsn

import "fmt"

// DBType represents the kind of endpoint
type DBType string

const (
	DBTypePostgreSQL DBType = "postgresql"
	DBTypeTrino      DBType = "trino"
	DBTypeHyper      DBType = "hyper"
	DBTypeUnknown    DBType = "unknown"
)

// DSNInfo contains parsed information from a DSN string
type DSNInfo struct {
	Type     DBType
	Scheme   string
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Params   map[string]string
	Original string
}

// String returns the DSN as given
func (d *DSNInfo) String() string {
	return d.Original
}

// Resolver is an interface for endpoint-specific DSN resolution
type Resolver interface {
	// Parse parses a DSN string and returns normalized DSN info
	Parse(dsn string) (*DSNInfo, error)

	// Normalize converts DSN info to a properly formatted connection string
	Normalize(info *DSNInfo) (string, error)

	// Validate checks if the DSN is valid for the endpoint type
	Validate(dsn string) error
}

// ParseError represents an error that occurred during DSN parsing
type ParseError struct {
	DSN    string
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid DSN format: %s\nHint: %s", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid DSN format: %s", e.Reason)
}

// NewParseError creates a new ParseError
func NewParseError(dsn, reason, hint string) *ParseError {
	return &ParseError{
		DSN:    dsn,
		Reason: reason,
		Hint:   hint,
	}
}

var (
	_ Resolver = (*PostgreSQLResolver)(nil)
	_ Resolver = (*TrinoResolver)(nil)
	_ Resolver = (*HyperResolver)(nil)
)
