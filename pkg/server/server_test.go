// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/clock"
	"github.com/stacklok/authbridge/pkg/compat"
	"github.com/stacklok/authbridge/pkg/cookie"
	"github.com/stacklok/authbridge/pkg/server"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/storage/sqlite"
	"github.com/stacklok/authbridge/pkg/upstream/linking"
)

// fakeUpstream stands in for the provider client. It records the state of
// the latest authorization request so tests can replay it on the callback.
type fakeUpstream struct {
	mu      sync.Mutex
	state   string
	subject string
}

func (f *fakeUpstream) AuthorizationURL(state, _, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeUpstream) ExchangeCode(context.Context, string, string) (string, error) {
	return "header.payload.signature", nil
}

func (f *fakeUpstream) VerifyIDToken(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subject, nil
}

func (f *fakeUpstream) recordedState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// plainVerifier accepts a password equal to the stored hash.
type plainVerifier struct{}

func (plainVerifier) Verify(_ context.Context, _ int, hashed, candidate string) error {
	if hashed != candidate {
		return fmt.Errorf("password mismatch")
	}
	return nil
}

type serverEnv struct {
	srv      *httptest.Server
	client   *http.Client
	store    *sqlite.Store
	clk      *clock.Fake
	upstream *fakeUpstream
	provider *storage.UpstreamProvider
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := sqlite.Open(t.Context(), "", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tx, err := store.Begin(t.Context())
	require.NoError(t, err)
	provider, err := tx.UpsertProvider(t.Context(), storage.UpstreamProvider{
		Issuer:     "https://idp.example.com",
		Scope:      "openid profile",
		ClientID:   "authbridge-client",
		SigningAlg: "RS256",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	up := &fakeUpstream{subject: "subject-1"}
	linkSvc := linking.NewService(store, linking.ClientResolverFunc(
		func(context.Context, *storage.UpstreamProvider) (linking.ProviderClient, error) {
			return up, nil
		},
	))

	key := bytes.Repeat([]byte{0x42}, cookie.KeySize)
	pending, err := cookie.NewCodec(key, false)
	require.NoError(t, err)
	sessions, err := cookie.NewSessionCodec(key, false)
	require.NoError(t, err)

	s := server.New(server.Options{
		Store:            store,
		Linking:          linkSvc,
		Compat:           compat.NewHandler(compat.NewService(store)),
		PendingCookies:   pending,
		SessionCookies:   sessions,
		PasswordVerifier: plainVerifier{},
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &serverEnv{
		srv: srv, client: client, store: store, clk: clk, upstream: up, provider: provider,
	}
}

func (e *serverEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *serverEnv) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := e.client.PostForm(e.srv.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// csrfToken returns the CSRF cookie the client currently holds.
func (e *serverEnv) csrfToken(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == "csrf" {
			return c.Value
		}
	}
	t.Fatal("no csrf cookie in jar")
	return ""
}

// startAndCallback drives the authorize redirect and the provider callback,
// returning the path of the link page the browser lands on.
func (e *serverEnv) startAndCallback(t *testing.T) string {
	t.Helper()

	resp := e.get(t, "/upstream/authorize/"+e.provider.ID.String())
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "https://idp.example.com/authorize")

	state := e.upstream.recordedState()
	resp = e.get(t, "/upstream/callback/"+e.provider.ID.String()+
		"?state="+url.QueryEscape(state)+"&code=authcode")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/upstream/link/"), "unexpected redirect %q", location)
	return location
}

func (e *serverEnv) seedUser(t *testing.T, username, password string) *storage.User {
	t.Helper()

	tx, err := e.store.Begin(t.Context())
	require.NoError(t, err)
	user, err := tx.AddUser(t.Context(), username)
	require.NoError(t, err)
	if password != "" {
		_, err = tx.AddUserPassword(t.Context(), user, 1, password)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return user
}

func TestRegistrationFlow(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	linkPath := env.startAndCallback(t)

	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `value="register"`)

	resp = env.postForm(t, linkPath, url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"register"},
		"username":   {"alice"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	tx, err := env.store.Begin(t.Context())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	user, err := tx.LookupUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

func TestLinkPageAlreadyLinkedAfterRegistration(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.postForm(t, linkPath, url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"register"},
		"username":   {"alice"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// Second round trip with the session cookie still in the jar: the same
	// upstream subject resolves to the linked account without a form.
	linkPath = env.startAndCallback(t)
	resp = env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "You are signed in.")
}

func TestSubmitLinkRejectsMissingCSRF(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postForm(t, linkPath, url.Values{
		"action":   {"register"},
		"username": {"alice"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallbackWithoutCookie(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	resp := env.get(t, "/upstream/callback/"+env.provider.ID.String()+"?state=nope&code=authcode")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLinkPageUnknownLink(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	env.startAndCallback(t)
	resp := env.get(t, "/upstream/link/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLinkPageReplayConflicts(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.postForm(t, linkPath, url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"register"},
		"username":   {"alice"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// The pending cookie entry was consumed by the submission.
	resp = env.get(t, linkPath)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginLogout(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)
	env.seedUser(t, "bob", "hunter2")

	// Prime the CSRF cookie through any GET page.
	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postForm(t, "/login", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"username":   {"bob"},
		"password":   {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.postForm(t, "/login", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"username":   {"bob"},
		"password":   {"hunter2"},
		"next":       {"/account"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/account", resp.Header.Get("Location"))

	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	var sessionCookie *http.Cookie
	for _, c := range env.client.Jar.Cookies(u) {
		if c.Name == cookie.SessionName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "login must set the session cookie")

	resp = env.postForm(t, "/logout", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	// The second logout is a no-op; the cookie is already gone.
	resp = env.postForm(t, "/logout", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestLoginUnknownUser(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)

	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postForm(t, "/login", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"username":   {"ghost"},
		"password":   {"whatever"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCompatRefreshRoute(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)
	user := env.seedUser(t, "carol", "")

	svc := compat.NewService(env.store)
	_, pair, err := svc.Login(t.Context(), user, "DEVICE01")
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	require.NoError(t, err)
	resp, err := env.client.Post(
		env.srv.URL+"/_matrix/client/v3/refresh", "application/json", bytes.NewReader(payload),
	)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresInMS  int64  `json:"expires_in_ms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEqual(t, pair.AccessToken, out.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, out.RefreshToken)
	assert.Positive(t, out.ExpiresInMS)
}

func TestRedirectTargetsStayLocal(t *testing.T) {
	t.Parallel()
	env := newServerEnv(t)
	env.seedUser(t, "dana", "hunter2")

	linkPath := env.startAndCallback(t)
	resp := env.get(t, linkPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A successful login must never follow a foreign target, including the
	// backslash form browsers normalize into a scheme-relative URL.
	for _, target := range []string{
		"https://evil.example.com/",
		"//evil.example.com/",
		`/\evil.example.com/phish`,
	} {
		resp = env.postForm(t, "/login", url.Values{
			"csrf_token": {env.csrfToken(t)},
			"username":   {"dana"},
			"password":   {"hunter2"},
			"next":       {target},
		})
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/", resp.Header.Get("Location"), "target %q must collapse to /", target)
	}

	resp = env.postForm(t, "/login", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"username":   {"nobody"},
		"password":   {"x"},
		"next":       {"https://evil.example.com/"},
	})
	// Even the failure path never echoes the foreign target.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
