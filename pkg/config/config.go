// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the authbridge configuration from a YAML file and
// AUTHBRIDGE_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// Address is the listen address, host:port.
	Address string `mapstructure:"address"`
	// PublicURL is the externally visible base URL; callback URLs are
	// built from it and the cookie Secure attribute follows its scheme.
	PublicURL string `mapstructure:"public_url"`
	// DatabasePath is the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`
	// CookieKey is the base64-encoded 32-byte key encrypting browser
	// cookies.
	CookieKey string `mapstructure:"cookie_key"`

	Providers []Provider `mapstructure:"providers"`
}

// Provider configures one federated upstream OIDC provider.
type Provider struct {
	Issuer       string `mapstructure:"issuer"`
	Scope        string `mapstructure:"scope"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	SigningAlg   string `mapstructure:"signing_alg"`
}

// Load reads the configuration from the given file, layering AUTHBRIDGE_*
// environment variables on top. An empty path skips the file and uses
// defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("address", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("database_path", "authbridge.db")

	v.SetEnvPrefix("AUTHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Providers {
		if c.Providers[i].Scope == "" {
			c.Providers[i].Scope = "openid profile email"
		}
		if c.Providers[i].SigningAlg == "" {
			c.Providers[i].SigningAlg = "RS256"
		}
	}
}

// Validate checks the configuration for the problems a startup should fail
// loudly on.
func (c *Config) Validate() error {
	if c.CookieKey == "" {
		return errors.New("cookie_key is required")
	}
	if _, err := c.CookieKeyBytes(); err != nil {
		return err
	}
	if c.PublicURL == "" {
		return errors.New("public_url is required")
	}

	for i, p := range c.Providers {
		if p.Issuer == "" {
			return fmt.Errorf("providers[%d]: issuer is required", i)
		}
		if p.ClientID == "" {
			return fmt.Errorf("providers[%d]: client_id is required", i)
		}
		if !strings.Contains(" "+p.Scope+" ", " openid ") {
			return fmt.Errorf("providers[%d]: scope must include openid", i)
		}
	}
	return nil
}

// CookieKeyBytes decodes the cookie key.
func (c *Config) CookieKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.CookieKey)
	if err != nil {
		return nil, fmt.Errorf("cookie_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cookie_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Secure reports whether the deployment is served over HTTPS.
func (c *Config) Secure() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}

// CallbackURL returns the redirect URL registered with upstream providers.
func (c *Config) CallbackURL(providerID string) string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/upstream/callback/" + providerID
}
