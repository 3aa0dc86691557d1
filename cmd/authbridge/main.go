// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authbridge server.
package main

import (
	"os"

	"github.com/stacklok/authbridge/cmd/authbridge/app"
	"github.com/stacklok/authbridge/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
