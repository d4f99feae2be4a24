// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net"
	"net/url"
	"strings"
)

// Default Trino coordinator ports.
const (
	TrinoHTTPPort  = "8080"
	TrinoHTTPSPort = "443"
)

// TrinoResolver handles Trino coordinator URLs:
//
//	https://user@trino.example.com:8443?catalog=hive&schema=sales
//	trino://user@host:8080/hive/sales
//
// trino:// is shorthand for plain http.
type TrinoResolver struct{}

// NewTrinoResolver creates a new Trino resolver
func NewTrinoResolver() *TrinoResolver {
	return &TrinoResolver{}
}

// Parse parses a Trino URL. Catalog and schema may come from the path or the query.
func (r *TrinoResolver) Parse(dsn string) (*DSNInfo, error) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return nil, NewParseError(dsn, "empty DSN", "provide a Trino coordinator URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, NewParseError(dsn, err.Error(), "format should be https://user@host:port")
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "trino", "http":
		scheme = "http"
	case "https":
	default:
		return nil, NewParseError(dsn, "unsupported scheme "+u.Scheme, "use http://, https:// or trino://")
	}
	if u.Hostname() == "" {
		return nil, NewParseError(dsn, "missing host", "format should be https://user@host:port")
	}

	info := &DSNInfo{
		Type:     DBTypeTrino,
		Scheme:   scheme,
		Host:     u.Hostname(),
		Port:     u.Port(),
		Params:   make(map[string]string),
		Original: dsn,
	}
	if info.Port == "" {
		info.Port = TrinoHTTPPort
		if scheme == "https" {
			info.Port = TrinoHTTPSPort
		}
	}
	if u.User != nil {
		info.User = u.User.Username()
		info.Password, _ = u.User.Password()
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			info.Params[k] = v[0]
		}
	}
	if parts := strings.Split(strings.Trim(u.Path, "/"), "/"); parts[0] != "" {
		info.Params["catalog"] = parts[0]
		if len(parts) > 1 {
			info.Params["schema"] = parts[1]
		}
	}
	info.Database = info.Params["catalog"]
	return info, nil
}

// Normalize returns the coordinator URL without credentials or session properties.
func (r *TrinoResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("", "nil DSN info", "")
	}
	u := url.URL{Scheme: info.Scheme, Host: net.JoinHostPort(info.Host, info.Port)}
	return u.String(), nil
}

// Validate checks if the DSN is a usable Trino URL
func (r *TrinoResolver) Validate(dsn string) error {
	info, err := r.Parse(dsn)
	if err != nil {
		return err
	}
	if info.Password != "" && info.Scheme != "https" {
		return NewParseError(dsn, "password over plain http", "use https:// when authenticating with a password")
	}
	return nil
}
