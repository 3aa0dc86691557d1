// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/token"
)

// seedCompatTokens creates a compat session with one access/refresh token
// pair and returns all three.
func seedCompatTokens(
	t *testing.T, store *Store, user *storage.User, expiresIn *time.Duration,
) (*storage.CompatSession, *storage.CompatAccessToken, *storage.CompatRefreshToken) {
	t.Helper()

	tx := begin(t, store)
	session, err := tx.AddCompatSession(t.Context(), user, "DEVICE01")
	require.NoError(t, err)
	at, err := tx.AddCompatAccessToken(t.Context(), session, token.CompatAccessToken.Generate(), expiresIn)
	require.NoError(t, err)
	rt, err := tx.AddCompatRefreshToken(t.Context(), session, at, token.CompatRefreshToken.Generate())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return session, at, rt
}

func TestLookupActiveCompatRefreshToken(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	user := seedUser(t, store, "alice")
	session, at, rt := seedCompatTokens(t, store, user, nil)

	tx := begin(t, store)
	gotRT, gotAT, gotSession, err := tx.LookupActiveCompatRefreshToken(t.Context(), rt.Token)
	require.NoError(t, err)
	assert.Equal(t, rt.ID, gotRT.ID)
	assert.Equal(t, at.ID, gotAT.ID)
	assert.Equal(t, at.ID, gotRT.AccessTokenID)
	assert.Equal(t, session.ID, gotSession.ID)
	assert.Equal(t, user.ID, gotSession.UserID)
	assert.Equal(t, "DEVICE01", gotSession.DeviceID)

	_, _, _, err = tx.LookupActiveCompatRefreshToken(t.Context(), token.CompatRefreshToken.Generate())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompatRefreshTokenRotation(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	user := seedUser(t, store, "alice")
	session, at, rt := seedCompatTokens(t, store, user, nil)

	// Rotate: consume the old refresh token, expire the old access token,
	// mint a fresh pair, all in one transaction.
	expiresIn := 5 * time.Minute
	tx := begin(t, store)
	consumed, err := tx.ConsumeCompatRefreshToken(t.Context(), rt)
	require.NoError(t, err)
	expired, err := tx.ExpireCompatAccessToken(t.Context(), at)
	require.NoError(t, err)
	newAT, err := tx.AddCompatAccessToken(t.Context(), session, token.CompatAccessToken.Generate(), &expiresIn)
	require.NoError(t, err)
	newRT, err := tx.AddCompatRefreshToken(t.Context(), session, newAT, token.CompatRefreshToken.Generate())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, consumed.Consumed())
	assert.True(t, expired.Expired(clk.Now()))
	require.NotNil(t, newAT.ExpiresAt)
	assert.Equal(t, clk.Now().Add(expiresIn), *newAT.ExpiresAt)

	// The consumed token is gone from the active lookup; the new one resolves.
	tx = begin(t, store)
	_, _, _, err = tx.LookupActiveCompatRefreshToken(t.Context(), rt.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	gotRT, gotAT, _, err := tx.LookupActiveCompatRefreshToken(t.Context(), newRT.Token)
	require.NoError(t, err)
	assert.Equal(t, newRT.ID, gotRT.ID)
	assert.Equal(t, newAT.ID, gotAT.ID)
}

func TestConsumeCompatRefreshTokenTwice(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	user := seedUser(t, store, "alice")
	_, _, rt := seedCompatTokens(t, store, user, nil)

	tx := begin(t, store)
	_, err := tx.ConsumeCompatRefreshToken(t.Context(), rt)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Two racing refreshes cannot both win the compare-and-set.
	tx = begin(t, store)
	_, err = tx.ConsumeCompatRefreshToken(t.Context(), rt)
	assert.ErrorIs(t, err, storage.ErrInconsistency)
}

func TestLookupActiveCompatAccessToken(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	user := seedUser(t, store, "alice")

	expiresIn := 5 * time.Minute
	session, at, _ := seedCompatTokens(t, store, user, &expiresIn)

	tx := begin(t, store)
	gotAT, gotSession, err := tx.LookupActiveCompatAccessToken(t.Context(), at.Token)
	require.NoError(t, err)
	assert.Equal(t, at.ID, gotAT.ID)
	assert.Equal(t, session.ID, gotSession.ID)
	require.NoError(t, tx.Rollback())

	// Once the clock passes the expiry the token no longer resolves.
	clk.Advance(expiresIn)

	tx = begin(t, store)
	_, _, err = tx.LookupActiveCompatAccessToken(t.Context(), at.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLookupActiveCompatAccessTokenNoExpiry(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	user := seedUser(t, store, "alice")
	_, at, _ := seedCompatTokens(t, store, user, nil)

	// Tokens minted without an expiry never age out.
	clk.Advance(24 * time.Hour)

	tx := begin(t, store)
	gotAT, _, err := tx.LookupActiveCompatAccessToken(t.Context(), at.Token)
	require.NoError(t, err)
	assert.Nil(t, gotAT.ExpiresAt)
}

func TestCompatTokensExcludedAfterSessionEnds(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore(t)
	user := seedUser(t, store, "alice")
	session, at, rt := seedCompatTokens(t, store, user, nil)

	finishedAt := clk.Now()
	raw := begin(t, store).(*tx)
	_, err := raw.tx.ExecContext(t.Context(),
		`UPDATE compat_sessions SET finished_at = ? WHERE compat_session_id = ?`,
		toMillis(finishedAt), session.ID.String(),
	)
	require.NoError(t, err)
	require.NoError(t, raw.Commit())

	next := begin(t, store)
	_, _, _, err = next.LookupActiveCompatRefreshToken(t.Context(), rt.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = next.LookupActiveCompatAccessToken(t.Context(), at.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
