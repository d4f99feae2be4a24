// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package connector

import (
	"fmt"

	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
)

// Set maps every backend kind to its connector.
type Set struct {
	byKind map[params.Kind]Connector
}

// NewSet builds a Set. Duplicate or unknown kinds are rejected.
func NewSet(connectors ...Connector) (*Set, error) {
	s := &Set{byKind: make(map[params.Kind]Connector, len(connectors))}
	for _, c := range connectors {
		k := c.Kind()
		if !k.Valid() {
			return nil, fmt.Errorf("connector for unknown kind %q", k)
		}
		if _, dup := s.byKind[k]; dup {
			return nil, fmt.Errorf("duplicate connector for %s", k)
		}
		s.byKind[k] = c
	}
	return s, nil
}

// Lookup returns the connector of kind k.
func (s *Set) Lookup(k params.Kind) (Connector, error) {
	c, ok := s.byKind[k]
	if !ok {
		return nil, cerrors.New(cerrors.Unsupported, fmt.Sprintf("no connector registered for %s", k))
	}
	return c, nil
}

// Missing lists kinds without a connector, in params.Kinds order.
func (s *Set) Missing() []params.Kind {
	var out []params.Kind
	for _, k := range params.Kinds() {
		if _, ok := s.byKind[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
