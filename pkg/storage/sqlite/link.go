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

const linkColumns = `upstream_oauth_link_id, upstream_oauth_provider_id, subject, user_id, created_at`

func scanLink(row scannable) (*storage.UpstreamLink, error) {
	var (
		l              storage.UpstreamLink
		id, providerID string
		userID         sql.NullString
		createdAt      int64
	)
	err := row.Scan(&id, &providerID, &l.Subject, &userID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning link: %w", err)
	}

	if l.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed link id %q", storage.ErrInconsistency, id)
	}
	if l.ProviderID, err = uuid.Parse(providerID); err != nil {
		return nil, fmt.Errorf("%w: malformed provider id %q", storage.ErrInconsistency, providerID)
	}
	if userID.Valid {
		parsed, err := uuid.Parse(userID.String)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed user id %q", storage.ErrInconsistency, userID.String)
		}
		l.UserID = &parsed
	}
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

// LookupLink returns the link with the given ID.
func (t *tx) LookupLink(ctx context.Context, id uuid.UUID) (*storage.UpstreamLink, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM upstream_oauth_links WHERE upstream_oauth_link_id = ?`,
		id.String(),
	)
	return scanLink(row)
}

// LookupLinkBySubject returns the link for (provider, subject).
func (t *tx) LookupLinkBySubject(
	ctx context.Context, provider *storage.UpstreamProvider, subject string,
) (*storage.UpstreamLink, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM upstream_oauth_links
		WHERE upstream_oauth_provider_id = ? AND subject = ?`,
		provider.ID.String(), subject,
	)
	return scanLink(row)
}

// AddLink inserts a new unbound link. The unique constraint on (provider,
// subject) is the final arbiter against creation races; a violation surfaces
// as ErrAlreadyExists and the caller retries as a lookup.
func (t *tx) AddLink(
	ctx context.Context, provider *storage.UpstreamProvider, subject string,
) (*storage.UpstreamLink, error) {
	link := &storage.UpstreamLink{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		Subject:    subject,
		CreatedAt:  t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO upstream_oauth_links (
			upstream_oauth_link_id, upstream_oauth_provider_id, subject, created_at
		) VALUES (?, ?, ?, ?)`,
		link.ID.String(), provider.ID.String(), subject, toMillis(link.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting link: %w", err)
	}

	return link, nil
}

// AssociateLinkToUser binds a previously-unbound link to a user. Guarded on
// user_id being unset; binding an already-bound link is ErrInconsistency.
func (t *tx) AssociateLinkToUser(ctx context.Context, link *storage.UpstreamLink, user *storage.User) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE upstream_oauth_links
		SET user_id = ?
		WHERE upstream_oauth_link_id = ?
		  AND user_id IS NULL`,
		user.ID.String(), link.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("associating link to user: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return err
	}

	link.UserID = &user.ID
	return nil
}
