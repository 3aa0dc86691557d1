// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token generates and classifies the opaque bearer token strings
// issued by authbridge. Each token carries a type-specific prefix so the
// token type can be determined by inspection alone, letting endpoints
// reject malformed credentials before touching storage.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Type identifies the kind of token a string encodes.
type Type string

const (
	// AccessToken is an OAuth2 access token.
	AccessToken Type = "mat"
	// RefreshToken is an OAuth2 refresh token.
	RefreshToken Type = "mar"
	// CompatAccessToken is a legacy Matrix access token.
	CompatAccessToken Type = "mct"
	// CompatRefreshToken is a legacy Matrix refresh token.
	CompatRefreshToken Type = "mcr"
)

// randomBytes is the entropy per token. 24 bytes is 192 bits, comfortably
// above the 128-bit minimum for bearer credentials.
const randomBytes = 24

// encodedLen is the length of the base64url-encoded random part.
var encodedLen = base64.RawURLEncoding.EncodedLen(randomBytes)

// ErrInvalidFormat is returned by Check for strings that do not parse as any
// known token type.
var ErrInvalidFormat = errors.New("invalid token format")

var allTypes = []Type{AccessToken, RefreshToken, CompatAccessToken, CompatRefreshToken}

// Generate produces a fresh random token string of the given type.
// It panics if the type is unknown or the system entropy source fails,
// both of which are programming or platform errors.
func (t Type) Generate() string {
	known := false
	for _, kt := range allTypes {
		if t == kt {
			known = true
			break
		}
	}
	if !known {
		panic(fmt.Sprintf("token: unknown token type %q", string(t)))
	}

	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token: reading entropy: %v", err))
	}

	return string(t) + "_" + base64.RawURLEncoding.EncodeToString(buf)
}

// Check classifies a token string by its prefix. It returns ErrInvalidFormat
// if the prefix is unrecognized or the random part has the wrong shape.
// Check is pure: it performs no I/O and never consults storage.
func Check(s string) (Type, error) {
	prefix, random, ok := strings.Cut(s, "_")
	if !ok {
		return "", ErrInvalidFormat
	}

	var typ Type
	for _, kt := range allTypes {
		if prefix == string(kt) {
			typ = kt
			break
		}
	}
	if typ == "" {
		return "", fmt.Errorf("%w: unknown prefix %q", ErrInvalidFormat, prefix)
	}

	if len(random) != encodedLen {
		return "", fmt.Errorf("%w: bad length", ErrInvalidFormat)
	}
	if _, err := base64.RawURLEncoding.DecodeString(random); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	return typ, nil
}
