// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistent data model of authbridge and the
// transactional store interfaces over it. Implementations own all DB-backed
// entities exclusively; concurrent request handlers coordinate only through
// the store's atomic operations.
package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a local account.
type User struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
}

// Authentication records one authentication event on a browser session,
// backed either by a password or by an upstream link.
type Authentication struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

// BrowserSession is a local authenticated session. A session exists
// independent of authentication; authenticating it appends an Authentication
// event and updates LastAuthentication.
type BrowserSession struct {
	ID                 uuid.UUID
	User               User
	CreatedAt          time.Time
	FinishedAt         *time.Time
	LastAuthentication *Authentication
}

// Active reports whether the session has not been ended.
func (s *BrowserSession) Active() bool {
	return s.FinishedAt == nil
}

// UserPassword is a stored password record. The hash format is opaque to
// authbridge; a PasswordVerifier capability checks candidates against it.
type UserPassword struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Version   int
	Hashed    string
	CreatedAt time.Time
}

// UpstreamProvider is the static per-deployment configuration of a federated
// OIDC identity provider. Immutable after creation; looked up by ID.
type UpstreamProvider struct {
	ID         uuid.UUID
	Issuer     string
	Scope      string
	ClientID   string
	// ClientSecretRef names the secret holding the client credentials;
	// the secret material itself never enters the database.
	ClientSecretRef string
	// SigningAlg is the JWS algorithm ID tokens from this provider must be
	// signed with (e.g. "RS256").
	SigningAlg string
	CreatedAt  time.Time
}

// Scopes splits the space-separated Scope field into individual scopes.
func (p *UpstreamProvider) Scopes() []string {
	return strings.Fields(p.Scope)
}

// UpstreamSession is one upstream authorization attempt. Its lifecycle state
// is derived from the timestamp pair (CompletedAt, ConsumedAt):
// pending -> completed -> consumed, strictly in that order, and no timestamp
// is ever unset once written.
type UpstreamSession struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	// LinkID is set together with CompletedAt, never independently.
	LinkID       *uuid.UUID
	State        string
	Nonce        string
	PKCEVerifier string
	// IDToken is the raw ID token from the provider, kept for audit.
	IDToken     string
	CreatedAt   time.Time
	CompletedAt *time.Time
	ConsumedAt  *time.Time
}

// Completed reports whether the session reached the completed state.
func (s *UpstreamSession) Completed() bool {
	return s.CompletedAt != nil
}

// Consumed reports whether the session has been consumed. Consumed sessions
// are terminal.
func (s *UpstreamSession) Consumed() bool {
	return s.ConsumedAt != nil
}

// UpstreamLink is the durable association between an upstream subject and a
// provider, optionally bound to a local user. There is exactly one link per
// (provider, subject) pair.
type UpstreamLink struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Subject    string
	// UserID stays nil until a human resolves which local account the
	// upstream identity belongs to.
	UserID    *uuid.UUID
	CreatedAt time.Time
}

// CompatSession is a legacy Matrix client session owning compat token pairs.
type CompatSession struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	DeviceID   string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// CompatAccessToken is a legacy Matrix access token. ExpiresAt is optional;
// tokens minted through rotation always carry one.
type CompatAccessToken struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Token     string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the token is expired at the given instant.
// Tokens without an expiry never expire.
func (t *CompatAccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// CompatRefreshToken is a single-use legacy Matrix refresh token, paired with
// the access token it was minted alongside.
type CompatRefreshToken struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	AccessTokenID uuid.UUID
	Token         string
	CreatedAt     time.Time
	ConsumedAt    *time.Time
}

// Consumed reports whether the refresh token has been used. Consumption is
// irreversible.
func (t *CompatRefreshToken) Consumed() bool {
	return t.ConsumedAt != nil
}
