// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package compat implements the legacy Matrix access/refresh token
// lifecycle: minting a pair at login, rotating it on refresh, and
// validating access tokens on Matrix endpoints.
package compat

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/token"
)

// AccessTokenLifetime is the fixed lifetime of rotated access tokens.
const AccessTokenLifetime = 5 * time.Minute

// ErrInvalidToken is the single error surfaced for anything wrong with a
// presented token: bad format, unknown value, consumed, expired, or ended
// session. Collapsing them keeps the response from leaking whether a token
// ever existed.
var ErrInvalidToken = errors.New("invalid token")

// Service drives compat sessions and their token pairs.
type Service struct {
	store storage.Store
}

// NewService builds a compat token service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// TokenPair is a freshly minted access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token's lifetime.
	ExpiresIn time.Duration
}

func rollback(tx storage.Tx) {
	if err := tx.Rollback(); err != nil {
		logger.Warnw("rolling back transaction", "error", err)
	}
}

// Login creates a compat session for the user's device and mints its first
// token pair.
func (s *Service) Login(
	ctx context.Context, user *storage.User, deviceID string,
) (*storage.CompatSession, *TokenPair, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer rollback(tx)

	session, err := tx.AddCompatSession(ctx, user, deviceID)
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.mintPair(ctx, tx, session)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	logger.Infow("compat session started",
		"user_id", user.ID,
		"device_id", deviceID,
		"session_id", session.ID,
	)

	return session, pair, nil
}

// Refresh rotates the token pair behind the presented refresh token: a new
// pair is minted and the old refresh token is consumed and the old access
// token expired, all in one transaction. A partial rotation never becomes
// visible.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	// Type-check before touching the database so malformed input costs
	// nothing and reveals nothing.
	typ, err := token.Check(refreshToken)
	if err != nil || typ != token.CompatRefreshToken {
		return nil, ErrInvalidToken
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	oldRefresh, oldAccess, session, err := tx.LookupActiveCompatRefreshToken(ctx, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.mintPair(ctx, tx, session)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ConsumeCompatRefreshToken(ctx, oldRefresh); err != nil {
		if errors.Is(err, storage.ErrInconsistency) {
			// A concurrent refresh consumed it between our lookup and the
			// guarded update. The other request won; this one retries as
			// an invalid token.
			logger.Warnw("lost refresh token consumption race",
				"session_id", session.ID,
			)
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if _, err := tx.ExpireCompatAccessToken(ctx, oldAccess); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pair, nil
}

// ValidateAccessToken resolves an access token to its compat session. Every
// failure mode is ErrInvalidToken.
func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.CompatSession, error) {
	typ, err := token.Check(accessToken)
	if err != nil || typ != token.CompatAccessToken {
		return nil, ErrInvalidToken
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	_, session, err := tx.LookupActiveCompatAccessToken(ctx, accessToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) mintPair(
	ctx context.Context, tx storage.Tx, session *storage.CompatSession,
) (*TokenPair, error) {
	expiresIn := AccessTokenLifetime

	accessToken, err := tx.AddCompatAccessToken(
		ctx, session, token.CompatAccessToken.Generate(), &expiresIn,
	)
	if err != nil {
		return nil, err
	}
	refreshToken, err := tx.AddCompatRefreshToken(
		ctx, session, accessToken, token.CompatRefreshToken.Generate(),
	)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken.Token,
		RefreshToken: refreshToken.Token,
		ExpiresIn:    expiresIn,
	}, nil
}
