// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the small cryptographic helpers used by the upstream
// authorization flow: PKCE verifier/challenge generation and random
// state/nonce values.
package crypto

import (
	"crypto/rand"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// RandomState returns a random state value for CSRF binding of an upstream
// authorization request. At least 128 bits of entropy.
func RandomState() string {
	return rand.Text()
}

// RandomNonce returns a random nonce binding an ID token to its originating
// authorization request. At least 128 bits of entropy.
func RandomNonce() string {
	return rand.Text()
}
