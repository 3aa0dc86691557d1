// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/crypto"
	"github.com/stacklok/authbridge/pkg/storage"
)

const testRedirectURL = "http://localhost:8080/upstream/callback"

func newMockProvider(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func newTestClient(t *testing.T, m *mockoidc.MockOIDC) *Client {
	t.Helper()

	provider := &storage.UpstreamProvider{
		ID:         uuid.New(),
		Issuer:     m.Issuer(),
		Scope:      "openid profile email",
		ClientID:   m.Config().ClientID,
		SigningAlg: "RS256",
	}

	client, err := NewClient(t.Context(), provider, m.Config().ClientSecret, testRedirectURL)
	require.NoError(t, err)
	return client
}

// authorize drives the mock provider's authorization endpoint and returns
// the code it issues.
func authorize(t *testing.T, client *Client, state, nonce, challenge string) string {
	t.Helper()

	authURL := client.AuthorizationURL(state, nonce, challenge)

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := httpClient.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state, location.Query().Get("state"))

	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestNewClientDiscoveryFailure(t *testing.T) {
	t.Parallel()

	provider := &storage.UpstreamProvider{
		ID:         uuid.New(),
		Issuer:     "http://127.0.0.1:1/nowhere",
		Scope:      "openid",
		ClientID:   "client",
		SigningAlg: "RS256",
	}

	_, err := NewClient(t.Context(), provider, "secret", testRedirectURL)
	assert.Error(t, err)
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	m := newMockProvider(t)
	client := newTestClient(t, m)

	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	parsed, err := url.Parse(client.AuthorizationURL("state-1", "nonce-1", challenge))
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, m.Config().ClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testRedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
	assert.Equal(t, challenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestCodeExchangeAndVerify(t *testing.T) {
	t.Parallel()

	m := newMockProvider(t)
	client := newTestClient(t, m)

	m.QueueUser(&mockoidc.MockUser{Subject: "subject-42"})

	state := crypto.RandomState()
	nonce := crypto.RandomNonce()
	verifier := crypto.GeneratePKCEVerifier()

	code := authorize(t, client, state, nonce, crypto.ComputePKCEChallenge(verifier))

	rawIDToken, err := client.ExchangeCode(t.Context(), code, verifier)
	require.NoError(t, err)
	require.NotEmpty(t, rawIDToken)

	subject, err := client.VerifyIDToken(t.Context(), rawIDToken, nonce)
	require.NoError(t, err)
	assert.Equal(t, "subject-42", subject)
}

func TestExchangeCodeInvalid(t *testing.T) {
	t.Parallel()

	m := newMockProvider(t)
	client := newTestClient(t, m)

	_, err := client.ExchangeCode(t.Context(), "no-such-code", crypto.GeneratePKCEVerifier())
	assert.Error(t, err)
}

func TestVerifyIDTokenNonceMismatch(t *testing.T) {
	t.Parallel()

	m := newMockProvider(t)
	client := newTestClient(t, m)

	m.QueueUser(&mockoidc.MockUser{Subject: "subject-42"})

	verifier := crypto.GeneratePKCEVerifier()
	code := authorize(t, client, crypto.RandomState(), "nonce-sent", crypto.ComputePKCEChallenge(verifier))

	rawIDToken, err := client.ExchangeCode(t.Context(), code, verifier)
	require.NoError(t, err)

	_, err = client.VerifyIDToken(t.Context(), rawIDToken, "nonce-expected")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestVerifyIDTokenGarbage(t *testing.T) {
	t.Parallel()

	m := newMockProvider(t)
	client := newTestClient(t, m)

	_, err := client.VerifyIDToken(t.Context(), "not.a.jwt", "")
	assert.Error(t, err)
}
