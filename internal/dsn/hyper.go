// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net"
	"strings"
)

// HyperPort is the default Hyper gRPC port.
const HyperPort = "7484"

// passthroughSchemes are gRPC target schemes handed to the client unchanged.
var passthroughSchemes = []string{"passthrough:", "unix:", "dns:", "unix-abstract:"}

// HyperResolver handles Hyper gRPC endpoints:
//
//	host[:port]
//	grpc://host[:port]    plaintext
//	grpcs://host[:port]   TLS
//
// gRPC resolver targets such as unix:///path or passthrough:///name are kept as is.
type HyperResolver struct{}

// NewHyperResolver creates a new Hyper resolver
func NewHyperResolver() *HyperResolver {
	return &HyperResolver{}
}

// Parse parses a Hyper endpoint. Params["tls"] is "true" for grpcs://.
func (r *HyperResolver) Parse(dsn string) (*DSNInfo, error) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return nil, NewParseError(dsn, "empty endpoint", "provide host:port of the Hyper server")
	}
	info := &DSNInfo{Type: DBTypeHyper, Params: make(map[string]string), Original: dsn}

	lower := strings.ToLower(raw)
	for _, s := range passthroughSchemes {
		if strings.HasPrefix(lower, s) {
			info.Scheme = strings.TrimSuffix(s, ":")
			info.Host = raw
			return info, nil
		}
	}

	switch {
	case strings.HasPrefix(lower, "grpcs://"):
		info.Scheme = "grpcs"
		info.Params["tls"] = "true"
		raw = raw[len("grpcs://"):]
	case strings.HasPrefix(lower, "grpc://"):
		info.Scheme = "grpc"
		raw = raw[len("grpc://"):]
	case strings.Contains(raw, "://"):
		return nil, NewParseError(dsn, "unsupported scheme", "use grpc:// or grpcs://")
	default:
		info.Scheme = "grpc"
	}
	raw = strings.TrimSuffix(raw, "/")

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host, port = raw, HyperPort
	}
	if host == "" || strings.ContainsAny(host, "/@") {
		return nil, NewParseError(dsn, "missing or invalid host", "format should be host:port")
	}
	info.Host = host
	info.Port = port
	return info, nil
}

// Normalize returns the gRPC target.
func (r *HyperResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("", "nil DSN info", "")
	}
	if info.Port == "" {
		return info.Host, nil
	}
	return net.JoinHostPort(info.Host, info.Port), nil
}

// Validate checks if the endpoint can be dialed
func (r *HyperResolver) Validate(dsn string) error {
	_, err := r.Parse(dsn)
	return err
}
