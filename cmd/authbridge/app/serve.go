// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authbridge/pkg/clock"
	"github.com/stacklok/authbridge/pkg/compat"
	"github.com/stacklok/authbridge/pkg/config"
	"github.com/stacklok/authbridge/pkg/cookie"
	"github.com/stacklok/authbridge/pkg/crypto"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/server"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/storage/sqlite"
	"github.com/stacklok/authbridge/pkg/upstream"
	"github.com/stacklok/authbridge/pkg/upstream/linking"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authbridge server",
	Long: `Start the authbridge HTTP server. The server hosts the upstream
linking flow for browsers and the Matrix compat token endpoints, backed by
the configured SQLite database.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 65 * time.Second // must exceed the router's request timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("config", "", "Path to the configuration file")
	serveCmd.Flags().String("address", "", "Address to listen on (overrides the config file)")

	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		logger.Errorw("binding config flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Errorw("binding address flag", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if addr := viper.GetString("address"); addr != "" {
		cfg.Address = addr
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath, clock.System())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("closing database", "error", err)
		}
	}()

	providers, secrets, err := syncProviders(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("syncing upstream providers: %w", err)
	}
	for _, p := range providers {
		logger.Infow("configured upstream provider", "issuer", p.Issuer, "provider_id", p.ID)
	}

	key, err := cfg.CookieKeyBytes()
	if err != nil {
		return fmt.Errorf("reading cookie key: %w", err)
	}
	pendingCookies, err := cookie.NewCodec(key, cfg.Secure())
	if err != nil {
		return fmt.Errorf("building pending cookie codec: %w", err)
	}
	sessionCookies, err := cookie.NewSessionCodec(key, cfg.Secure())
	if err != nil {
		return fmt.Errorf("building session cookie codec: %w", err)
	}

	registry := upstream.NewRegistry(secrets, func(providerID uuid.UUID) string {
		return cfg.CallbackURL(providerID.String())
	})
	linkSvc := linking.NewService(store, linking.ClientResolverFunc(
		func(ctx context.Context, provider *storage.UpstreamProvider) (linking.ProviderClient, error) {
			return registry.Resolve(ctx, provider)
		},
	))

	srv := server.New(server.Options{
		Store:            store,
		Linking:          linkSvc,
		Compat:           compat.NewHandler(compat.NewService(store)),
		PendingCookies:   pendingCookies,
		SessionCookies:   sessionCookies,
		PasswordVerifier: crypto.NewPasswordHasher(),
	})

	httpServer := &http.Server{
		Addr:         cfg.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		logger.Infow("server listening", "address", cfg.Address, "public_url", cfg.PublicURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("server forced to shut down", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infow("server shutdown complete")
	return nil
}

// syncProviders upserts every configured provider into the store and
// returns the stored rows plus the issuer-to-secret map for the registry.
func syncProviders(
	ctx context.Context, store storage.Store, cfg *config.Config,
) ([]*storage.UpstreamProvider, map[string]string, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			logger.Warnw("rolling back transaction", "error", err)
		}
	}()

	providers := make([]*storage.UpstreamProvider, 0, len(cfg.Providers))
	secrets := make(map[string]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		stored, err := tx.UpsertProvider(ctx, storage.UpstreamProvider{
			Issuer:     p.Issuer,
			Scope:      p.Scope,
			ClientID:   p.ClientID,
			SigningAlg: p.SigningAlg,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("upserting provider %s: %w", p.Issuer, err)
		}
		providers = append(providers, stored)
		secrets[p.Issuer] = p.ClientSecret
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return providers, secrets, nil
}
