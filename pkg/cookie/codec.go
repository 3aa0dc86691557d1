// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cookie

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authbridge/pkg/logger"
)

// Name is the cookie the pending-session set travels in.
const Name = "upstream-sessions"

// KeySize is the AEAD key length the codec requires.
const KeySize = 32

// Codec encrypts and decrypts the pending-session cookie. Payloads are JWE
// compact serializations using direct encryption with A256GCM, so a forged
// or corrupted cookie fails authentication instead of parsing.
type Codec struct {
	encrypter jose.Encrypter
	key       []byte
	secure    bool
}

// NewCodec builds a codec around a 32-byte symmetric key. secure controls
// the cookie's Secure attribute and should only be false in local setups
// served over plain HTTP.
func NewCodec(key []byte, secure bool) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cookie key must be %d bytes, got %d", KeySize, len(key))
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building cookie encrypter: %w", err)
	}

	return &Codec{encrypter: encrypter, key: key, secure: secure}, nil
}

// Load returns the pending-session set carried by the request. A missing,
// corrupt, or forged cookie loads as the empty set; downstream validation
// then fails closed on the cookie check.
func (c *Codec) Load(r *http.Request) PendingSet {
	ck, err := r.Cookie(Name)
	if err != nil {
		return PendingSet{}
	}

	set, err := c.decode(ck.Value)
	if err != nil {
		logger.Warnw("rejecting undecodable pending-session cookie", "error", err)
		return PendingSet{}
	}
	return set
}

// Save writes the set back to the response. An empty set clears the cookie.
func (c *Codec) Save(w http.ResponseWriter, set PendingSet) error {
	if set.Empty() {
		http.SetCookie(w, &http.Cookie{
			Name:     Name,
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}

	value, err := c.encode(set)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c *Codec) encode(set PendingSet) (string, error) {
	payload, err := json.Marshal(set.entries)
	if err != nil {
		return "", fmt.Errorf("marshaling pending-session set: %w", err)
	}

	obj, err := c.encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypting pending-session set: %w", err)
	}

	serialized, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing pending-session set: %w", err)
	}
	return serialized, nil
}

func (c *Codec) decode(value string) (PendingSet, error) {
	obj, err := jose.ParseEncryptedCompact(
		value,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return PendingSet{}, fmt.Errorf("parsing cookie: %w", err)
	}

	payload, err := obj.Decrypt(c.key)
	if err != nil {
		return PendingSet{}, fmt.Errorf("decrypting cookie: %w", err)
	}

	var entries []entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return PendingSet{}, fmt.Errorf("unmarshaling cookie payload: %w", err)
	}
	if len(entries) == 0 {
		return PendingSet{}, errors.New("cookie payload holds no entries")
	}
	return PendingSet{entries: entries}, nil
}
