// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/storage"
)

const sessionColumns = `upstream_oauth_authorization_session_id, upstream_oauth_provider_id,
	upstream_oauth_link_id, state, nonce, pkce_verifier, id_token,
	created_at, completed_at, consumed_at`

// scannable lets row and rows scanning share one code path.
type scannable interface {
	Scan(dest ...any) error
}

func scanUpstreamSession(row scannable) (*storage.UpstreamSession, error) {
	var (
		s                        storage.UpstreamSession
		id, providerID           string
		linkID                   sql.NullString
		createdAt                int64
		completedAt, consumedAt  sql.NullInt64
	)
	err := row.Scan(&id, &providerID, &linkID, &s.State, &s.Nonce, &s.PKCEVerifier,
		&s.IDToken, &createdAt, &completedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upstream session: %w", err)
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed session id %q", storage.ErrInconsistency, id)
	}
	if s.ProviderID, err = uuid.Parse(providerID); err != nil {
		return nil, fmt.Errorf("%w: malformed provider id %q", storage.ErrInconsistency, providerID)
	}
	if linkID.Valid {
		parsed, err := uuid.Parse(linkID.String)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed link id %q", storage.ErrInconsistency, linkID.String)
		}
		s.LinkID = &parsed
	}
	s.CreatedAt = fromMillis(createdAt)
	s.CompletedAt = fromNullMillis(completedAt)
	s.ConsumedAt = fromNullMillis(consumedAt)
	return &s, nil
}

// AddUpstreamSession inserts a new pending authorization session.
func (t *tx) AddUpstreamSession(
	ctx context.Context, provider *storage.UpstreamProvider, state, nonce, pkceVerifier string,
) (*storage.UpstreamSession, error) {
	session := &storage.UpstreamSession{
		ID:           uuid.New(),
		ProviderID:   provider.ID,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: pkceVerifier,
		CreatedAt:    t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO upstream_oauth_authorization_sessions (
			upstream_oauth_authorization_session_id, upstream_oauth_provider_id,
			state, nonce, pkce_verifier, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID.String(), provider.ID.String(),
		state, nonce, pkceVerifier, toMillis(session.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting upstream session: %w", err)
	}

	return session, nil
}

// LookupUpstreamSession returns the session and its provider in one atomic read.
func (t *tx) LookupUpstreamSession(
	ctx context.Context, id uuid.UUID,
) (*storage.UpstreamProvider, *storage.UpstreamSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT
			ua.upstream_oauth_authorization_session_id,
			ua.upstream_oauth_provider_id,
			ua.upstream_oauth_link_id,
			ua.state, ua.nonce, ua.pkce_verifier, ua.id_token,
			ua.created_at, ua.completed_at, ua.consumed_at,
			up.issuer, up.scope, up.client_id,
			up.client_secret_ref, up.signing_alg, up.created_at
		FROM upstream_oauth_authorization_sessions ua
		INNER JOIN upstream_oauth_providers up
			USING (upstream_oauth_provider_id)
		WHERE upstream_oauth_authorization_session_id = ?`,
		id.String(),
	)

	var (
		s                       storage.UpstreamSession
		p                       storage.UpstreamProvider
		sessionID, providerID   string
		linkID                  sql.NullString
		createdAt               int64
		completedAt, consumedAt sql.NullInt64
		providerCreatedAt       int64
	)
	err := row.Scan(
		&sessionID, &providerID, &linkID,
		&s.State, &s.Nonce, &s.PKCEVerifier, &s.IDToken,
		&createdAt, &completedAt, &consumedAt,
		&p.Issuer, &p.Scope, &p.ClientID,
		&p.ClientSecretRef, &p.SigningAlg, &providerCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning upstream session with provider: %w", err)
	}

	if s.ID, err = uuid.Parse(sessionID); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed session id %q", storage.ErrInconsistency, sessionID)
	}
	if p.ID, err = uuid.Parse(providerID); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed provider id %q", storage.ErrInconsistency, providerID)
	}
	s.ProviderID = p.ID
	if linkID.Valid {
		parsed, err := uuid.Parse(linkID.String)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed link id %q", storage.ErrInconsistency, linkID.String)
		}
		s.LinkID = &parsed
	}
	s.CreatedAt = fromMillis(createdAt)
	s.CompletedAt = fromNullMillis(completedAt)
	s.ConsumedAt = fromNullMillis(consumedAt)
	p.CreatedAt = fromMillis(providerCreatedAt)

	return &p, &s, nil
}

// CompleteUpstreamSession stamps the session completed and attaches the link
// and raw ID token. Guarded on completed_at being unset so two racing
// completions cannot both succeed.
func (t *tx) CompleteUpstreamSession(
	ctx context.Context, session *storage.UpstreamSession, link *storage.UpstreamLink, idToken string,
) (*storage.UpstreamSession, error) {
	completedAt := t.clock.Now()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE upstream_oauth_authorization_sessions
		SET upstream_oauth_link_id = ?,
			completed_at = ?,
			id_token = ?
		WHERE upstream_oauth_authorization_session_id = ?
		  AND completed_at IS NULL`,
		link.ID.String(), toMillis(completedAt), idToken, session.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("completing upstream session: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return nil, err
	}

	updated := *session
	updated.LinkID = &link.ID
	updated.CompletedAt = &completedAt
	updated.IDToken = idToken
	return &updated, nil
}

// ConsumeUpstreamSession stamps the session consumed. Guarded on consumed_at
// being unset; the loser of a consumption race gets ErrInconsistency.
func (t *tx) ConsumeUpstreamSession(
	ctx context.Context, session *storage.UpstreamSession,
) (*storage.UpstreamSession, error) {
	consumedAt := t.clock.Now()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE upstream_oauth_authorization_sessions
		SET consumed_at = ?
		WHERE upstream_oauth_authorization_session_id = ?
		  AND consumed_at IS NULL`,
		toMillis(consumedAt), session.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("consuming upstream session: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return nil, err
	}

	updated := *session
	updated.ConsumedAt = &consumedAt
	return &updated, nil
}

// LookupSessionOnLink returns the session only if it belongs to the link.
func (t *tx) LookupSessionOnLink(
	ctx context.Context, link *storage.UpstreamLink, id uuid.UUID,
) (*storage.UpstreamSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM upstream_oauth_authorization_sessions
		WHERE upstream_oauth_authorization_session_id = ?
		  AND upstream_oauth_link_id = ?`,
		id.String(), link.ID.String(),
	)
	return scanUpstreamSession(row)
}
