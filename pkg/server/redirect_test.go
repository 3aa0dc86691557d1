// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "relative path", target: "/account", want: "/account"},
		{name: "nested path", target: "/account/settings", want: "/account/settings"},
		{name: "empty", target: "", want: "/"},
		{name: "bare slash", target: "/", want: "/"},
		{name: "absolute url", target: "https://evil.example.com/", want: "/"},
		{name: "scheme relative", target: "//evil.example.com/", want: "/"},
		{name: "backslash scheme relative", target: `/\evil.example.com/phish`, want: "/"},
		{name: "no leading slash", target: "account", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, safeRedirect(tt.target))
		})
	}
}
