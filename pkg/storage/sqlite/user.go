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

func scanUser(row scannable) (*storage.User, error) {
	var (
		u         storage.User
		id        string
		createdAt int64
	)
	err := row.Scan(&id, &u.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	if u.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed user id %q", storage.ErrInconsistency, id)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// AddUser creates a new user account.
func (t *tx) AddUser(ctx context.Context, username string) (*storage.User, error) {
	user := &storage.User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO users (user_id, username, created_at) VALUES (?, ?, ?)`,
		user.ID.String(), username, toMillis(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return user, nil
}

// LookupUser returns the user with the given ID.
func (t *tx) LookupUser(ctx context.Context, id uuid.UUID) (*storage.User, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT user_id, username, created_at FROM users WHERE user_id = ?`,
		id.String(),
	)
	return scanUser(row)
}

// LookupUserByUsername returns the user with the given username.
func (t *tx) LookupUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT user_id, username, created_at FROM users WHERE username = ?`,
		username,
	)
	return scanUser(row)
}

// UsernameExists reports whether a user with the given username exists.
func (t *tx) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return exists, nil
}

// AddUserPassword stores a new password record for the user.
func (t *tx) AddUserPassword(
	ctx context.Context, user *storage.User, version int, hashed string,
) (*storage.UserPassword, error) {
	pw := &storage.UserPassword{
		ID:        uuid.New(),
		UserID:    user.ID,
		Version:   version,
		Hashed:    hashed,
		CreatedAt: t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_passwords (user_password_id, user_id, version, hashed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		pw.ID.String(), user.ID.String(), version, hashed, toMillis(pw.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user password: %w", err)
	}

	return pw, nil
}

// LookupUserPassword returns the most recent password record for the user.
func (t *tx) LookupUserPassword(ctx context.Context, user *storage.User) (*storage.UserPassword, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_password_id, user_id, version, hashed, created_at
		FROM user_passwords
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		user.ID.String(),
	)

	var (
		pw         storage.UserPassword
		id, userID string
		createdAt  int64
	)
	err := row.Scan(&id, &userID, &pw.Version, &pw.Hashed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user password: %w", err)
	}

	if pw.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed password id %q", storage.ErrInconsistency, id)
	}
	if pw.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("%w: malformed user id %q", storage.ErrInconsistency, userID)
	}
	pw.CreatedAt = fromMillis(createdAt)
	return &pw, nil
}

// StartBrowserSession creates a new unauthenticated session for the user.
func (t *tx) StartBrowserSession(ctx context.Context, user *storage.User) (*storage.BrowserSession, error) {
	session := &storage.BrowserSession{
		ID:        uuid.New(),
		User:      *user,
		CreatedAt: t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_sessions (user_session_id, user_id, created_at) VALUES (?, ?, ?)`,
		session.ID.String(), user.ID.String(), toMillis(session.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting browser session: %w", err)
	}

	return session, nil
}

// LookupActiveBrowserSession returns the session joined with its user and
// most recent authentication event. Finished sessions are ErrNotFound.
func (t *tx) LookupActiveBrowserSession(ctx context.Context, id uuid.UUID) (*storage.BrowserSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT
			s.user_session_id,
			s.created_at,
			u.user_id,
			u.username,
			u.created_at,
			a.user_session_authentication_id,
			a.created_at
		FROM user_sessions s
		INNER JOIN users u USING (user_id)
		LEFT JOIN user_session_authentications a USING (user_session_id)
		WHERE s.user_session_id = ? AND s.finished_at IS NULL
		ORDER BY a.created_at DESC
		LIMIT 1`,
		id.String(),
	)

	var (
		session                storage.BrowserSession
		sessionID, userID      string
		sessionCreatedAt       int64
		userCreatedAt          int64
		authID                 sql.NullString
		authCreatedAt          sql.NullInt64
	)
	err := row.Scan(
		&sessionID, &sessionCreatedAt,
		&userID, &session.User.Username, &userCreatedAt,
		&authID, &authCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning browser session: %w", err)
	}

	if session.ID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("%w: malformed session id %q", storage.ErrInconsistency, sessionID)
	}
	if session.User.ID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("%w: malformed user id %q", storage.ErrInconsistency, userID)
	}
	session.CreatedAt = fromMillis(sessionCreatedAt)
	session.User.CreatedAt = fromMillis(userCreatedAt)

	switch {
	case authID.Valid && authCreatedAt.Valid:
		parsed, err := uuid.Parse(authID.String)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed authentication id %q", storage.ErrInconsistency, authID.String)
		}
		session.LastAuthentication = &storage.Authentication{
			ID:        parsed,
			CreatedAt: fromMillis(authCreatedAt.Int64),
		}
	case authID.Valid != authCreatedAt.Valid:
		return nil, fmt.Errorf("%w: partial authentication row on session %s", storage.ErrInconsistency, sessionID)
	}

	return &session, nil
}

// EndBrowserSession finishes the session. Exactly one row must be affected.
func (t *tx) EndBrowserSession(ctx context.Context, session *storage.BrowserSession) error {
	finishedAt := t.clock.Now()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE user_sessions
		SET finished_at = ?
		WHERE user_session_id = ?
		  AND finished_at IS NULL`,
		toMillis(finishedAt), session.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("ending browser session: %w", err)
	}
	if err := ensureOneRow(res); err != nil {
		return err
	}

	session.FinishedAt = &finishedAt
	return nil
}

// AuthenticateSessionWithUpstream appends an upstream-backed authentication
// event to the session.
func (t *tx) AuthenticateSessionWithUpstream(
	ctx context.Context, session *storage.BrowserSession, link *storage.UpstreamLink,
) (*storage.Authentication, error) {
	return t.addAuthentication(ctx, session, sql.NullString{String: link.ID.String(), Valid: true}, sql.NullString{})
}

// AuthenticateSessionWithPassword appends a password-backed authentication
// event to the session.
func (t *tx) AuthenticateSessionWithPassword(
	ctx context.Context, session *storage.BrowserSession, password *storage.UserPassword,
) (*storage.Authentication, error) {
	return t.addAuthentication(ctx, session, sql.NullString{}, sql.NullString{String: password.ID.String(), Valid: true})
}

func (t *tx) addAuthentication(
	ctx context.Context, session *storage.BrowserSession, linkID, passwordID sql.NullString,
) (*storage.Authentication, error) {
	auth := &storage.Authentication{
		ID:        uuid.New(),
		CreatedAt: t.clock.Now(),
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_session_authentications (
			user_session_authentication_id, user_session_id,
			upstream_oauth_link_id, user_password_id, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		auth.ID.String(), session.ID.String(), linkID, passwordID, toMillis(auth.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting authentication: %w", err)
	}

	session.LastAuthentication = auth
	return auth, nil
}
