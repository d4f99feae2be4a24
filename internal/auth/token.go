// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseBearer extracts the token from a value like "Bearer <token>" case-insensitively.
// A value without the prefix is returned trimmed as is.
func ParseBearer(value string) string {
	v := strings.TrimSpace(value)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
