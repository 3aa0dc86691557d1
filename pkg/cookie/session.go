// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cookie

import (
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/logger"
)

// SessionName is the cookie carrying the browser session reference.
const SessionName = "session"

// SessionCodec encrypts the browser session ID into a cookie. The cookie
// only names the session; whether it is still active is always the store's
// call.
type SessionCodec struct {
	encrypter jose.Encrypter
	key       []byte
	secure    bool
}

// NewSessionCodec builds a codec around a 32-byte symmetric key.
func NewSessionCodec(key []byte, secure bool) (*SessionCodec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session cookie key must be %d bytes, got %d", KeySize, len(key))
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building session cookie encrypter: %w", err)
	}

	return &SessionCodec{encrypter: encrypter, key: key, secure: secure}, nil
}

// Secure reports whether cookies are marked Secure.
func (c *SessionCodec) Secure() bool {
	return c.secure
}

// Load returns the session ID the request's cookie names. A missing,
// corrupt, or forged cookie reads as no session.
func (c *SessionCodec) Load(r *http.Request) (uuid.UUID, bool) {
	ck, err := r.Cookie(SessionName)
	if err != nil {
		return uuid.Nil, false
	}

	obj, err := jose.ParseEncryptedCompact(
		ck.Value,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return uuid.Nil, false
	}
	payload, err := obj.Decrypt(c.key)
	if err != nil {
		logger.Warnw("rejecting undecryptable session cookie", "error", err)
		return uuid.Nil, false
	}

	id, err := uuid.ParseBytes(payload)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Save binds the response to the given session.
func (c *SessionCodec) Save(w http.ResponseWriter, sessionID uuid.UUID) error {
	obj, err := c.encrypter.Encrypt([]byte(sessionID.String()))
	if err != nil {
		return fmt.Errorf("encrypting session cookie: %w", err)
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return fmt.Errorf("serializing session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (c *SessionCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
