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

const providerColumns = `upstream_oauth_provider_id, issuer, scope, client_id,
	client_secret_ref, signing_alg, created_at`

func scanProvider(row *sql.Row) (*storage.UpstreamProvider, error) {
	var (
		p         storage.UpstreamProvider
		id        string
		createdAt int64
	)
	err := row.Scan(&id, &p.Issuer, &p.Scope, &p.ClientID, &p.ClientSecretRef, &p.SigningAlg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}

	p.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed provider id %q", storage.ErrInconsistency, id)
	}
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// UpsertProvider synchronizes a statically-configured provider, keyed by
// issuer. Config fields win on conflict; the row ID and creation time are
// preserved.
func (t *tx) UpsertProvider(
	ctx context.Context, provider storage.UpstreamProvider,
) (*storage.UpstreamProvider, error) {
	id := provider.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := t.clock.Now()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO upstream_oauth_providers (
			upstream_oauth_provider_id, issuer, scope, client_id,
			client_secret_ref, signing_alg, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issuer) DO UPDATE SET
			scope = excluded.scope,
			client_id = excluded.client_id,
			client_secret_ref = excluded.client_secret_ref,
			signing_alg = excluded.signing_alg`,
		id.String(), provider.Issuer, provider.Scope, provider.ClientID,
		provider.ClientSecretRef, provider.SigningAlg, toMillis(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting provider: %w", err)
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM upstream_oauth_providers WHERE issuer = ?`,
		provider.Issuer,
	)
	return scanProvider(row)
}

// LookupProvider returns the provider with the given ID.
func (t *tx) LookupProvider(ctx context.Context, id uuid.UUID) (*storage.UpstreamProvider, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM upstream_oauth_providers WHERE upstream_oauth_provider_id = ?`,
		id.String(),
	)
	return scanProvider(row)
}
