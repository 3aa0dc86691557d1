// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"errors"
	"fmt"
)

// Errors returned by the linking flow. The server layer maps these to HTTP
// statuses; everything else surfaces as an internal error.
var (
	// ErrMissingCookie means the pending-session cookie has no entry for
	// this callback or link. The browser that started the flow is not the
	// one finishing it, or the cookie was dropped or forged.
	ErrMissingCookie = errors.New("missing session cookie")

	// ErrSessionNotFound means the cookie pointed at a session the store
	// does not have.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLinkNotFound means the link in the URL does not exist.
	ErrLinkNotFound = errors.New("link not found")

	// ErrProviderMismatch means the session's provider does not match the
	// provider in the callback URL.
	ErrProviderMismatch = errors.New("provider mismatch")

	// ErrStateMismatch means the state query parameter does not match the
	// state stored on the session.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// ErrAlreadyCompleted means the session already went through the
	// callback once.
	ErrAlreadyCompleted = errors.New("session already completed")

	// ErrSessionConsumed means the session's link decision was already
	// made.
	ErrSessionConsumed = errors.New("session already consumed")

	// ErrMissingIDToken means the provider's token response carried no ID
	// token.
	ErrMissingIDToken = errors.New("missing ID token")

	// ErrInvalidFormAction means the submitted action is not valid for the
	// current (browser session, link ownership) combination.
	ErrInvalidFormAction = errors.New("invalid form action")

	// ErrUserExists means registration was attempted with a username that
	// is already taken.
	ErrUserExists = errors.New("username already taken")
)

// InvalidIDTokenError wraps an ID token verification failure.
type InvalidIDTokenError struct {
	Err error
}

func (e *InvalidIDTokenError) Error() string {
	return fmt.Sprintf("invalid ID token: %v", e.Err)
}

func (e *InvalidIDTokenError) Unwrap() error {
	return e.Err
}

// ClientError is an error relayed by the upstream provider on the callback
// instead of an authorization code.
type ClientError struct {
	Code        string
	Description string
	URI         string
}

func (e *ClientError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("error from the provider: %s", e.Code)
	}
	return fmt.Sprintf("error from the provider: %s: %s", e.Code, e.Description)
}
