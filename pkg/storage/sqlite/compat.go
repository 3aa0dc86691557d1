// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/storage"
)

// AddCompatSession creates a legacy Matrix session for the user.
func (t *tx) AddCompatSession(
	ctx context.Context, user *storage.User, deviceID string,
) (*storage.CompatSession, error) {
	session := &storage.CompatSession{
		ID:        uuid.New(),
		UserID:    user.ID,
		DeviceID:  deviceID,
		CreatedAt: t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO compat_sessions (compat_session_id, user_id, device_id, created_at)
		VALUES (?, ?, ?, ?)`,
		session.ID.String(), user.ID.String(), deviceID, toMillis(session.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting compat session: %w", err)
	}

	return session, nil
}

// AddCompatAccessToken mints a new access token bound to the session.
func (t *tx) AddCompatAccessToken(
	ctx context.Context, session *storage.CompatSession, tok string, expiresIn *time.Duration,
) (*storage.CompatAccessToken, error) {
	accessToken := &storage.CompatAccessToken{
		ID:        uuid.New(),
		SessionID: session.ID,
		Token:     tok,
		CreatedAt: t.clock.Now(),
	}
	if expiresIn != nil {
		expiresAt := accessToken.CreatedAt.Add(*expiresIn)
		accessToken.ExpiresAt = &expiresAt
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO compat_access_tokens (
			compat_access_token_id, compat_session_id, token, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?)`,
		accessToken.ID.String(), session.ID.String(), tok,
		toMillis(accessToken.CreatedAt), toNullMillis(accessToken.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting compat access token: %w", err)
	}

	return accessToken, nil
}

// AddCompatRefreshToken mints a new refresh token paired with the given
// access token.
func (t *tx) AddCompatRefreshToken(
	ctx context.Context, session *storage.CompatSession, accessToken *storage.CompatAccessToken, tok string,
) (*storage.CompatRefreshToken, error) {
	refreshToken := &storage.CompatRefreshToken{
		ID:            uuid.New(),
		SessionID:     session.ID,
		AccessTokenID: accessToken.ID,
		Token:         tok,
		CreatedAt:     t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO compat_refresh_tokens (
			compat_refresh_token_id, compat_session_id, compat_access_token_id, token, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		refreshToken.ID.String(), session.ID.String(), accessToken.ID.String(),
		tok, toMillis(refreshToken.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting compat refresh token: %w", err)
	}

	return refreshToken, nil
}

// LookupActiveCompatRefreshToken returns the unconsumed refresh token with
// the given value, its paired access token, and the owning session. Anything
// consumed or finished is ErrNotFound; the caller collapses that to its own
// invalid-token error.
func (t *tx) LookupActiveCompatRefreshToken(
	ctx context.Context, tok string,
) (*storage.CompatRefreshToken, *storage.CompatAccessToken, *storage.CompatSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT
			rt.compat_refresh_token_id, rt.compat_session_id, rt.compat_access_token_id,
			rt.token, rt.created_at, rt.consumed_at,
			at.compat_access_token_id, at.token, at.created_at, at.expires_at,
			cs.compat_session_id, cs.user_id, cs.device_id, cs.created_at, cs.finished_at
		FROM compat_refresh_tokens rt
		INNER JOIN compat_access_tokens at
			ON at.compat_access_token_id = rt.compat_access_token_id
		INNER JOIN compat_sessions cs
			ON cs.compat_session_id = rt.compat_session_id
		WHERE rt.token = ?
		  AND rt.consumed_at IS NULL
		  AND cs.finished_at IS NULL`,
		tok,
	)

	var (
		rt storage.CompatRefreshToken
		at storage.CompatAccessToken
		cs storage.CompatSession

		rtID, rtSessionID, rtAccessTokenID string
		rtCreatedAt                        int64
		rtConsumedAt                       sql.NullInt64

		atID        string
		atCreatedAt int64
		atExpiresAt sql.NullInt64

		csID, csUserID string
		csCreatedAt    int64
		csFinishedAt   sql.NullInt64
	)
	err := row.Scan(
		&rtID, &rtSessionID, &rtAccessTokenID, &rt.Token, &rtCreatedAt, &rtConsumedAt,
		&atID, &at.Token, &atCreatedAt, &atExpiresAt,
		&csID, &csUserID, &cs.DeviceID, &csCreatedAt, &csFinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scanning compat refresh token: %w", err)
	}

	ids := []struct {
		dst  *uuid.UUID
		src  string
		what string
	}{
		{&rt.ID, rtID, "refresh token id"},
		{&rt.SessionID, rtSessionID, "refresh token session id"},
		{&rt.AccessTokenID, rtAccessTokenID, "refresh token access token id"},
		{&at.ID, atID, "access token id"},
		{&cs.ID, csID, "compat session id"},
		{&cs.UserID, csUserID, "compat session user id"},
	}
	for _, f := range ids {
		parsed, err := uuid.Parse(f.src)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: malformed %s %q", storage.ErrInconsistency, f.what, f.src)
		}
		*f.dst = parsed
	}
	at.SessionID = rt.SessionID

	rt.CreatedAt = fromMillis(rtCreatedAt)
	rt.ConsumedAt = fromNullMillis(rtConsumedAt)
	at.CreatedAt = fromMillis(atCreatedAt)
	at.ExpiresAt = fromNullMillis(atExpiresAt)
	cs.CreatedAt = fromMillis(csCreatedAt)
	cs.FinishedAt = fromNullMillis(csFinishedAt)

	return &rt, &at, &cs, nil
}

// ConsumeCompatRefreshToken stamps the refresh token consumed. Guarded on
// consumed_at being unset so two racing refreshes cannot both succeed.
func (t *tx) ConsumeCompatRefreshToken(
	ctx context.Context, tok *storage.CompatRefreshToken,
) (*storage.CompatRefreshToken, error) {
	consumedAt := t.clock.Now()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE compat_refresh_tokens
		SET consumed_at = ?
		WHERE compat_refresh_token_id = ?
		  AND consumed_at IS NULL`,
		toMillis(consumedAt), tok.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("consuming compat refresh token: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return nil, err
	}

	updated := *tok
	updated.ConsumedAt = &consumedAt
	return &updated, nil
}

// ExpireCompatAccessToken expires the access token immediately.
func (t *tx) ExpireCompatAccessToken(
	ctx context.Context, tok *storage.CompatAccessToken,
) (*storage.CompatAccessToken, error) {
	expiresAt := t.clock.Now()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE compat_access_tokens
		SET expires_at = ?
		WHERE compat_access_token_id = ?`,
		toMillis(expiresAt), tok.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("expiring compat access token: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return nil, err
	}

	updated := *tok
	updated.ExpiresAt = &expiresAt
	return &updated, nil
}

// LookupActiveCompatAccessToken returns the unexpired access token with the
// given value and its owning session.
func (t *tx) LookupActiveCompatAccessToken(
	ctx context.Context, tok string,
) (*storage.CompatAccessToken, *storage.CompatSession, error) {
	now := t.clock.Now()

	row := t.tx.QueryRowContext(ctx, `
		SELECT
			at.compat_access_token_id, at.compat_session_id, at.token, at.created_at, at.expires_at,
			cs.compat_session_id, cs.user_id, cs.device_id, cs.created_at, cs.finished_at
		FROM compat_access_tokens at
		INNER JOIN compat_sessions cs USING (compat_session_id)
		WHERE at.token = ?
		  AND (at.expires_at IS NULL OR at.expires_at > ?)
		  AND cs.finished_at IS NULL`,
		tok, toMillis(now),
	)

	var (
		at storage.CompatAccessToken
		cs storage.CompatSession

		atID, atSessionID string
		atCreatedAt       int64
		atExpiresAt       sql.NullInt64

		csID, csUserID string
		csCreatedAt    int64
		csFinishedAt   sql.NullInt64
	)
	err := row.Scan(
		&atID, &atSessionID, &at.Token, &atCreatedAt, &atExpiresAt,
		&csID, &csUserID, &cs.DeviceID, &csCreatedAt, &csFinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scanning compat access token: %w", err)
	}

	ids := []struct {
		dst  *uuid.UUID
		src  string
		what string
	}{
		{&at.ID, atID, "access token id"},
		{&at.SessionID, atSessionID, "access token session id"},
		{&cs.ID, csID, "compat session id"},
		{&cs.UserID, csUserID, "compat session user id"},
	}
	for _, f := range ids {
		parsed, err := uuid.Parse(f.src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed %s %q", storage.ErrInconsistency, f.what, f.src)
		}
		*f.dst = parsed
	}

	at.CreatedAt = fromMillis(atCreatedAt)
	at.ExpiresAt = fromNullMillis(atExpiresAt)
	cs.CreatedAt = fromMillis(csCreatedAt)
	cs.FinishedAt = fromNullMillis(csFinishedAt)

	return &at, &cs, nil
}
