// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/stacklok/authbridge/pkg/crypto"
)

// CSRF protection uses the double-submit pattern: the token lives in a
// cookie and is echoed back through a hidden form field. Both must match
// on every state-changing POST.

const (
	csrfCookieName = "csrf"
	csrfFieldName  = "csrf_token"
)

// csrfToken returns the request's CSRF token, minting and setting a new
// cookie when none is present.
func (s *Server) csrfToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(csrfCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	tok := crypto.RandomState()
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.sessions.Secure(),
		SameSite: http.SameSiteLaxMode,
	})
	return tok
}

// verifyCSRF checks the form field against the cookie.
func (s *Server) verifyCSRF(r *http.Request) bool {
	c, err := r.Cookie(csrfCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	field := r.PostFormValue(csrfFieldName)
	if field == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(field)) == 1
}
