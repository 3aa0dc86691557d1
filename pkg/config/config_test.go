// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString(make([]byte, 32))

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
address: ":9090"
public_url: "https://auth.example.com"
database_path: "/var/lib/authbridge/db.sqlite"
cookie_key: "`+testKey+`"
providers:
  - issuer: "https://idp.example.com"
    client_id: "authbridge"
    client_secret: "hunter2"
  - issuer: "https://other.example.com"
    client_id: "other"
    scope: "openid email"
    signing_alg: "ES256"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Address)
	assert.True(t, cfg.Secure())
	assert.Equal(t, "https://auth.example.com/upstream/callback/abc", cfg.CallbackURL("abc"))

	key, err := cfg.CookieKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	require.Len(t, cfg.Providers, 2)
	// Defaults fill the omitted fields.
	assert.Equal(t, "openid profile email", cfg.Providers[0].Scope)
	assert.Equal(t, "RS256", cfg.Providers[0].SigningAlg)
	// Explicit values win.
	assert.Equal(t, "openid email", cfg.Providers[1].Scope)
	assert.Equal(t, "ES256", cfg.Providers[1].SigningAlg)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `cookie_key: "`+testKey+`"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL)
	assert.False(t, cfg.Secure())
	assert.Empty(t, cfg.Providers)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AUTHBRIDGE_ADDRESS", ":7070")

	path := writeConfig(t, `cookie_key: "`+testKey+`"`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing cookie key", `address: ":8080"`},
		{"short cookie key", `cookie_key: "` + base64.StdEncoding.EncodeToString(make([]byte, 16)) + `"`},
		{"bad base64", `cookie_key: "!!!"`},
		{
			"provider without issuer",
			"cookie_key: \"" + testKey + "\"\nproviders:\n  - client_id: \"x\"\n",
		},
		{
			"provider without client id",
			"cookie_key: \"" + testKey + "\"\nproviders:\n  - issuer: \"https://idp.example.com\"\n",
		},
		{
			"provider scope without openid",
			"cookie_key: \"" + testKey + "\"\nproviders:\n  - issuer: \"https://idp.example.com\"\n    client_id: \"x\"\n    scope: \"email\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
