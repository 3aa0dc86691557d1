// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptVersion identifies bcrypt-hashed passwords in the store. Future
// scheme migrations bump the version and dispatch on it in Verify.
const BcryptVersion = 1

// ErrPasswordMismatch is returned by Verify when the candidate does not
// match the stored hash.
var ErrPasswordMismatch = fmt.Errorf("password mismatch")

// PasswordHasher hashes and verifies user passwords with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher at the default bcrypt cost.
func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{cost: bcrypt.DefaultCost}
}

// Hash salts and hashes a plaintext password.
func (h *PasswordHasher) Hash(password string) (version int, hashed string, err error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return 0, "", fmt.Errorf("hashing password: %w", err)
	}
	return BcryptVersion, string(out), nil
}

// Verify checks a candidate against a stored hash of the given version.
func (h *PasswordHasher) Verify(_ context.Context, version int, hashed, candidate string) error {
	if version != BcryptVersion {
		return fmt.Errorf("unknown password scheme version %d", version)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(candidate)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}
