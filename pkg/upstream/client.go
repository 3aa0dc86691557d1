// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to federated OIDC identity providers: endpoint
// discovery, authorization URL construction, code exchange, and ID token
// verification.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/storage"
)

// ErrMissingIDToken is returned when the token endpoint response carries no
// ID token. The openid scope is always requested, so a compliant provider
// must return one.
var ErrMissingIDToken = errors.New("token response missing ID token")

// ErrNonceMismatch is returned when the nonce claim in the ID token does not
// match the nonce bound to the authorization attempt.
var ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

// ErrNonceMissing is returned when the ID token carries no nonce claim even
// though one was sent in the authorization request.
var ErrNonceMissing = errors.New("ID token missing nonce claim")

// discoveryTimeout bounds the outbound discovery, token, and JWKS calls.
const discoveryTimeout = 30 * time.Second

// Client is a configured client for one upstream provider. Construction
// performs discovery; a Client is safe for concurrent use afterwards.
type Client struct {
	provider     *storage.UpstreamProvider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	httpClient   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for all outbound calls. Tests use
// this to point the client at a fake provider.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient discovers the provider's endpoints and returns a client bound to
// them. The client secret stays in configuration and never reaches the
// store; redirectURL is where the provider sends the callback.
func NewClient(
	ctx context.Context,
	provider *storage.UpstreamProvider,
	clientSecret, redirectURL string,
	opts ...ClientOption,
) (*Client, error) {
	c := &Client{
		provider: provider,
		httpClient: &http.Client{
			Timeout: discoveryTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Debugw("discovering upstream provider",
		"issuer", provider.Issuer,
		"client_id", provider.ClientID,
	)

	ctx = oidc.ClientContext(ctx, c.httpClient)
	oidcProvider, err := oidc.NewProvider(ctx, provider.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC endpoints for %s: %w", provider.Issuer, err)
	}

	endpoint := oidcProvider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	c.oauth2Config = &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       provider.Scopes(),
		Endpoint:     endpoint,
	}
	c.verifier = oidcProvider.Verifier(&oidc.Config{
		ClientID:             provider.ClientID,
		SupportedSigningAlgs: []string{provider.SigningAlg},
	})

	return c, nil
}

// AuthorizationURL builds the URL to send the browser to. state ties the
// callback to the pending-session cookie, nonce binds the ID token to this
// attempt, and pkceChallenge is the S256 challenge for the stored verifier.
func (c *Client) AuthorizationURL(state, nonce, pkceChallenge string) string {
	return c.oauth2Config.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode redeems the authorization code at the token endpoint and
// returns the raw ID token from the response.
func (c *Client) ExchangeCode(ctx context.Context, code, pkceVerifier string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		return "", fmt.Errorf("exchanging authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", ErrMissingIDToken
	}
	return rawIDToken, nil
}

// VerifyIDToken verifies the raw ID token's signature and standard claims,
// checks the nonce against the one bound to the attempt, and returns the
// subject claim.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, c.httpClient)

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("verifying ID token: %w", err)
	}

	if nonce != "" {
		if idToken.Nonce == "" {
			return "", ErrNonceMissing
		}
		if idToken.Nonce != nonce {
			return "", ErrNonceMismatch
		}
	}

	return idToken.Subject, nil
}
