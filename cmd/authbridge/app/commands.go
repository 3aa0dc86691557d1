// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app defines the authbridge command tree.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for authbridge.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authbridge",
		Short: "Bridge browser logins, upstream OIDC providers, and Matrix compat tokens",
		Long: `authbridge is an identity server that links local user accounts to
upstream OIDC providers and issues legacy Matrix compat access and refresh
tokens. It serves the browser-facing linking flow and the Matrix client
token endpoints from a single process backed by SQLite.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newUserCmd())
	return rootCmd
}
