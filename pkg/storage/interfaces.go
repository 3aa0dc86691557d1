// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store opens transactions over the persistent data model. One transaction
// per HTTP request; no cross-request transaction is ever held open.
type Store interface {
	// Begin starts a transaction. The caller must Commit or Rollback it.
	Begin(ctx context.Context) (Tx, error)
	// Close releases the underlying database handle.
	Close() error
}

// Tx is a single database transaction. All operations run inside it and
// become visible atomically on Commit. Any uniqueness violation surfaces as
// ErrAlreadyExists; guarded updates affecting an unexpected row count surface
// as ErrInconsistency; absent rows surface as ErrNotFound.
type Tx interface {
	Commit() error
	Rollback() error

	ProviderTx
	UpstreamSessionTx
	LinkTx
	UserTx
	CompatTx
}

// ProviderTx manages upstream provider configuration rows.
type ProviderTx interface {
	// UpsertProvider synchronizes a statically-configured provider into the
	// database, keyed by issuer.
	UpsertProvider(ctx context.Context, provider UpstreamProvider) (*UpstreamProvider, error)
	// LookupProvider returns the provider with the given ID.
	LookupProvider(ctx context.Context, id uuid.UUID) (*UpstreamProvider, error)
}

// UpstreamSessionTx manages upstream authorization session rows.
type UpstreamSessionTx interface {
	// AddUpstreamSession inserts a new pending session. State and nonce are
	// caller-supplied; their uniqueness is the caller's responsibility.
	AddUpstreamSession(
		ctx context.Context, provider *UpstreamProvider, state, nonce, pkceVerifier string,
	) (*UpstreamSession, error)

	// LookupUpstreamSession returns the session and its provider in one
	// atomic read.
	LookupUpstreamSession(ctx context.Context, id uuid.UUID) (*UpstreamProvider, *UpstreamSession, error)

	// CompleteUpstreamSession stamps the session completed and attaches the
	// link and raw ID token. The update is guarded on completed_at being
	// unset; a concurrent completion surfaces as ErrInconsistency.
	CompleteUpstreamSession(
		ctx context.Context, session *UpstreamSession, link *UpstreamLink, idToken string,
	) (*UpstreamSession, error)

	// ConsumeUpstreamSession stamps the session consumed. The update is
	// guarded on consumed_at being unset; losing a consumption race
	// surfaces as ErrInconsistency. Callers must additionally check
	// Consumed() before calling, for the friendlier error path.
	ConsumeUpstreamSession(ctx context.Context, session *UpstreamSession) (*UpstreamSession, error)

	// LookupSessionOnLink returns the session only if it belongs to the
	// given link. This is the browser-continuity check of the link
	// resolution flow.
	LookupSessionOnLink(ctx context.Context, link *UpstreamLink, id uuid.UUID) (*UpstreamSession, error)
}

// LinkTx manages upstream link rows.
type LinkTx interface {
	// LookupLink returns the link with the given ID.
	LookupLink(ctx context.Context, id uuid.UUID) (*UpstreamLink, error)

	// LookupLinkBySubject returns the link for (provider, subject).
	LookupLinkBySubject(ctx context.Context, provider *UpstreamProvider, subject string) (*UpstreamLink, error)

	// AddLink inserts a new unbound link. It performs no existence check;
	// the unique constraint on (provider, subject) is the final arbiter and
	// a violation surfaces as ErrAlreadyExists.
	AddLink(ctx context.Context, provider *UpstreamProvider, subject string) (*UpstreamLink, error)

	// AssociateLinkToUser binds a previously-unbound link to a user. The
	// update is guarded on user_id being unset; an already-bound link
	// surfaces as ErrInconsistency.
	AssociateLinkToUser(ctx context.Context, link *UpstreamLink, user *User) error
}

// UserTx manages users, browser sessions, and authentication events.
type UserTx interface {
	AddUser(ctx context.Context, username string) (*User, error)
	LookupUser(ctx context.Context, id uuid.UUID) (*User, error)
	LookupUserByUsername(ctx context.Context, username string) (*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	AddUserPassword(ctx context.Context, user *User, version int, hashed string) (*UserPassword, error)
	LookupUserPassword(ctx context.Context, user *User) (*UserPassword, error)

	// StartBrowserSession creates a new unauthenticated session for the user.
	StartBrowserSession(ctx context.Context, user *User) (*BrowserSession, error)

	// LookupActiveBrowserSession returns the session joined with its user
	// and last authentication event; finished sessions are ErrNotFound.
	LookupActiveBrowserSession(ctx context.Context, id uuid.UUID) (*BrowserSession, error)

	// EndBrowserSession finishes the session. Exactly one row must be
	// affected, else ErrInconsistency.
	EndBrowserSession(ctx context.Context, session *BrowserSession) error

	// AuthenticateSessionWithUpstream appends an upstream-backed
	// authentication event and updates the session's last authentication.
	AuthenticateSessionWithUpstream(
		ctx context.Context, session *BrowserSession, link *UpstreamLink,
	) (*Authentication, error)

	// AuthenticateSessionWithPassword appends a password-backed
	// authentication event and updates the session's last authentication.
	AuthenticateSessionWithPassword(
		ctx context.Context, session *BrowserSession, password *UserPassword,
	) (*Authentication, error)
}

// CompatTx manages legacy Matrix compat sessions and token pairs.
type CompatTx interface {
	AddCompatSession(ctx context.Context, user *User, deviceID string) (*CompatSession, error)

	AddCompatAccessToken(
		ctx context.Context, session *CompatSession, tok string, expiresIn *time.Duration,
	) (*CompatAccessToken, error)

	AddCompatRefreshToken(
		ctx context.Context, session *CompatSession, accessToken *CompatAccessToken, tok string,
	) (*CompatRefreshToken, error)

	// LookupActiveCompatRefreshToken returns the unconsumed refresh token
	// with the given value, its paired access token, and the owning
	// session. Consumed tokens and finished sessions are ErrNotFound.
	LookupActiveCompatRefreshToken(
		ctx context.Context, tok string,
	) (*CompatRefreshToken, *CompatAccessToken, *CompatSession, error)

	// ConsumeCompatRefreshToken stamps the refresh token consumed, guarded
	// on consumed_at being unset. Losing the race surfaces as
	// ErrInconsistency.
	ConsumeCompatRefreshToken(ctx context.Context, tok *CompatRefreshToken) (*CompatRefreshToken, error)

	// ExpireCompatAccessToken expires the access token immediately.
	ExpireCompatAccessToken(ctx context.Context, tok *CompatAccessToken) (*CompatAccessToken, error)

	// LookupActiveCompatAccessToken returns the unexpired access token with
	// the given value and its owning session.
	LookupActiveCompatAccessToken(ctx context.Context, tok string) (*CompatAccessToken, *CompatSession, error)
}
