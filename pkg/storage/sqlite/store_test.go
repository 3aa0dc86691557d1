// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/clock"
	"github.com/stacklok/authbridge/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := Open(t.Context(), "", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func begin(t *testing.T, store *Store) storage.Tx {
	t.Helper()

	tx, err := store.Begin(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

// seedProvider creates and commits a provider row for tests that need one.
func seedProvider(t *testing.T, store *Store) *storage.UpstreamProvider {
	t.Helper()

	tx := begin(t, store)
	provider, err := tx.UpsertProvider(t.Context(), storage.UpstreamProvider{
		Issuer:     "https://idp.example.com",
		Scope:      "openid profile",
		ClientID:   "authbridge-client",
		SigningAlg: "RS256",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return provider
}

// seedUser creates and commits a user row.
func seedUser(t *testing.T, store *Store, username string) *storage.User {
	t.Helper()

	tx := begin(t, store)
	user, err := tx.AddUser(t.Context(), username)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return user
}
