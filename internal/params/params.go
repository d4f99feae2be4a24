// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package params defines the per-backend connection parameters and their persisted
// wire form. Params is a tagged union keyed by Kind; exactly one variant is populated.
// Only the fields needed to re-establish a channel are kept, and secret material
// (tokens, passwords) is never written to the wire form.
package params

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	cerrors "dashql/cli/internal/errors"
)

// Kind identifies a backend engine.
type Kind string

const (
	KindDemo       Kind = "demo"
	KindHyper      Kind = "hyper"
	KindSalesforce Kind = "salesforce"
	KindTrino      Kind = "trino"
	KindServerless Kind = "serverless"
)

// Kinds returns every backend kind in a fixed order.
func Kinds() []Kind {
	return []Kind{KindDemo, KindHyper, KindSalesforce, KindTrino, KindServerless}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", cerrors.New(cerrors.InvalidParams, fmt.Sprintf("unknown backend kind %q", s))
	}
	return k, nil
}

// DemoParams shapes the result stream of the in-process demo engine.
type DemoParams struct {
	Batches      int
	RowsPerBatch int
	// Interval paces batches; zero yields them as fast as they are pulled.
	Interval time.Duration
}

// DefaultDemoParams returns the params of a fresh demo channel.
func DefaultDemoParams() DemoParams {
	return DemoParams{Batches: 4, RowsPerBatch: 25}
}

// HyperParams describes a gRPC session with a Hyper engine.
type HyperParams struct {
	Endpoint  string
	TLS       bool
	Databases []string
	// Metadata is sent as gRPC metadata with every call. Not for credentials.
	Metadata map[string]string
}

// SalesforceParams describes a Data Cloud session.
type SalesforceParams struct {
	InstanceURL string
	ClientID    string
	Username    string
	Dataspace   string
	// AccessToken is the core access token. Never persisted.
	AccessToken string
}

// TrinoParams describes a Trino coordinator session.
type TrinoParams struct {
	Endpoint string
	User     string
	Catalog  string
	Schema   string
	Source   string
	// Password is only sent over https. Never persisted.
	Password string
}

// ServerlessParams describes the embedded engine.
type ServerlessParams struct {
	// Database is a file path or ":memory:".
	Database string
	ReadOnly bool
}

// Params is the tagged union over all backend params.
type Params struct {
	Kind       Kind
	Demo       *DemoParams
	Hyper      *HyperParams
	Salesforce *SalesforceParams
	Trino      *TrinoParams
	Serverless *ServerlessParams
}

func Demo(p DemoParams) Params             { return Params{Kind: KindDemo, Demo: &p} }
func Salesforce(p SalesforceParams) Params { return Params{Kind: KindSalesforce, Salesforce: &p} }
func Trino(p TrinoParams) Params           { return Params{Kind: KindTrino, Trino: &p} }
func Serverless(p ServerlessParams) Params { return Params{Kind: KindServerless, Serverless: &p} }

// Hyper stores empty databases and metadata as nil, the form they decode to.
func Hyper(p HyperParams) Params {
	if len(p.Databases) == 0 {
		p.Databases = nil
	}
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	return Params{Kind: KindHyper, Hyper: &p}
}

// checkVariant verifies that exactly the variant named by Kind is populated.
func (p Params) checkVariant() error {
	set := map[Kind]bool{
		KindDemo:       p.Demo != nil,
		KindHyper:      p.Hyper != nil,
		KindSalesforce: p.Salesforce != nil,
		KindTrino:      p.Trino != nil,
		KindServerless: p.Serverless != nil,
	}
	if !p.Kind.Valid() {
		return cerrors.New(cerrors.InvalidParams, fmt.Sprintf("unknown backend kind %q", p.Kind))
	}
	for k, ok := range set {
		if ok != (k == p.Kind) {
			return cerrors.New(cerrors.InvalidParams, fmt.Sprintf("params for %s must only populate the %s variant", p.Kind, p.Kind))
		}
	}
	return nil
}

// Validate checks the populated variant for the fields a channel needs.
func (p Params) Validate() error {
	if err := p.checkVariant(); err != nil {
		return err
	}
	invalid := func(msg string) error { return cerrors.New(cerrors.InvalidParams, msg) }
	switch p.Kind {
	case KindDemo:
		if p.Demo.Batches < 0 || p.Demo.RowsPerBatch < 0 || p.Demo.Interval < 0 {
			return invalid("demo batches, rows and interval must not be negative")
		}
	case KindHyper:
		if strings.TrimSpace(p.Hyper.Endpoint) == "" {
			return invalid("hyper endpoint is required")
		}
	case KindSalesforce:
		u, err := url.Parse(p.Salesforce.InstanceURL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return invalid("salesforce instance url must be an absolute http(s) url")
		}
	case KindTrino:
		if strings.TrimSpace(p.Trino.Endpoint) == "" {
			return invalid("trino endpoint is required")
		}
		if strings.TrimSpace(p.Trino.User) == "" {
			return invalid("trino user is required")
		}
	}
	return nil
}

// HasSecret reports whether the params carry secret material.
func (p Params) HasSecret() bool {
	switch p.Kind {
	case KindSalesforce:
		return p.Salesforce != nil && p.Salesforce.AccessToken != ""
	case KindTrino:
		return p.Trino != nil && p.Trino.Password != ""
	}
	return false
}

// WithoutSecrets returns a copy with all secret fields cleared.
func (p Params) WithoutSecrets() Params {
	out := p
	if p.Salesforce != nil {
		sf := *p.Salesforce
		sf.AccessToken = ""
		out.Salesforce = &sf
	}
	if p.Trino != nil {
		tr := *p.Trino
		tr.Password = ""
		out.Trino = &tr
	}
	return out
}
