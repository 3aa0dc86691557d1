// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/storage"
)

// ClientFactory builds a provider client. The default is NewClient;
// tests inject fakes.
type ClientFactory func(
	ctx context.Context, provider *storage.UpstreamProvider, clientSecret, redirectURL string,
) (*Client, error)

// Registry resolves providers to discovered clients. Discovery hits the
// network, so clients are built once per provider and cached.
type Registry struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*Client

	secrets  map[string]string
	callback func(providerID uuid.UUID) string
	factory  ClientFactory
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClientFactory replaces the client constructor.
func WithClientFactory(factory ClientFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = factory
	}
}

// NewRegistry builds a registry. secrets maps provider issuers to their
// client secrets; callback renders the redirect URL for a provider.
func NewRegistry(
	secrets map[string]string, callback func(providerID uuid.UUID) string, opts ...RegistryOption,
) *Registry {
	r := &Registry{
		clients:  make(map[uuid.UUID]*Client),
		secrets:  secrets,
		callback: callback,
		factory: func(
			ctx context.Context, provider *storage.UpstreamProvider, clientSecret, redirectURL string,
		) (*Client, error) {
			return NewClient(ctx, provider, clientSecret, redirectURL)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the client for the provider, running discovery on first
// use. A provider without a configured secret is treated as a public client.
func (r *Registry) Resolve(ctx context.Context, provider *storage.UpstreamProvider) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[provider.ID]; ok {
		return client, nil
	}

	client, err := r.factory(ctx, provider, r.secrets[provider.Issuer], r.callback(provider.ID))
	if err != nil {
		return nil, err
	}
	r.clients[provider.ID] = client
	return client, nil
}
