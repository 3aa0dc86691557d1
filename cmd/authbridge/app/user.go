// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/authbridge/pkg/clock"
	"github.com/stacklok/authbridge/pkg/config"
	"github.com/stacklok/authbridge/pkg/crypto"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/storage"
	"github.com/stacklok/authbridge/pkg/storage/sqlite"
)

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local user accounts",
	}

	userCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with a password",
		Long: `Create a local user account with a password. This is how passwords
enter the store: the server itself never registers passwords, only upstream
links, so operators seed password-capable accounts with this command.`,
		RunE: runUserCreate,
	}
	userCreateCmd.Flags().String("config", "", "Path to the configuration file")
	userCreateCmd.Flags().String("username", "", "Username of the new account")
	userCreateCmd.Flags().String("password", "", "Password for the new account")

	userCmd.AddCommand(userCreateCmd)
	return userCmd
}

func runUserCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfgPath, _ := cmd.Flags().GetString("config")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if username == "" {
		return errors.New("username is required")
	}
	if password == "" {
		return errors.New("password is required")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
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

	version, hashed, err := crypto.NewPasswordHasher().Hash(password)
	if err != nil {
		return err
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			logger.Warnw("rolling back transaction", "error", err)
		}
	}()

	user, err := tx.AddUser(ctx, username)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("user %q already exists", username)
	}
	if err != nil {
		return err
	}
	if _, err := tx.AddUserPassword(ctx, user, version, hashed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Infow("user created", "username", username, "user_id", user.ID)
	return nil
}
